package service

import (
	"context"
	"fmt"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/pkg/logger"
)

// CheckoutCreator создает страницу оплаты у платежного провайдера
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error)
}

// Billing начинает покупку тарифа. Сами права меняются только вебхуком.
type Billing struct {
	limiter  RateLimiter
	ledger   *SubscriptionLedger
	checkout CheckoutCreator
	log      *logger.Logger
}

// NewBilling создает Billing
func NewBilling(limiter RateLimiter, ledger *SubscriptionLedger, checkout CheckoutCreator, log *logger.Logger) *Billing {
	return &Billing{limiter: limiter, ledger: ledger, checkout: checkout, log: log}
}

// StartCheckout создает Checkout Session для пользователя. Повторно использует
// клиента провайдера, если он уже связан с подпиской.
func (b *Billing) StartCheckout(ctx context.Context, identity domain.Identity, t domain.Tier) (domain.CheckoutSession, error) {
	if identity.UserID == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: identity is required", domain.ErrUnauthenticated)
	}
	if _, err := domain.ParseTier(string(t)); err != nil || t == domain.TierTrial {
		var verrs domain.ValidationErrors
		verrs.Add("tier", "must be a purchasable tier")
		return domain.CheckoutSession{}, verrs
	}

	rl := b.limiter.Check(ctx, identity.UserID, ratelimit.ActionCheckoutSessionCreate)
	if !rl.Permitted() {
		return domain.CheckoutSession{}, &domain.RateLimitError{Action: ratelimit.ActionCheckoutSessionCreate, RetryAfter: rl.RetryAfter}
	}

	sub, err := b.ledger.Current(ctx, identity.UserID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	session, err := b.checkout.CreateCheckoutSession(ctx, domain.CheckoutRequest{
		UserID:     identity.UserID,
		Email:      identity.Email,
		Tier:       t,
		CustomerID: sub.ProviderCustomerID,
	})
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	b.log.Infow("Checkout started", "userID", identity.UserID, "tier", t, "sessionID", session.ID)
	return session, nil
}
