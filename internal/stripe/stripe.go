package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// Ключи метаданных, по которым вебхуки связываются с пользователем и тарифом
	metadataUserIDKey = "user_id"
	metadataTierKey   = "tier"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
)

// Price цена Stripe, продающая тариф
type Price struct {
	ID   string
	Tier domain.Tier
	Mode domain.CheckoutMode
}

// ClientConfig настройки клиента Stripe
type ClientConfig struct {
	APIKey     string
	Prices     []Price
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
	MaxRetries int
	// Backend переопределяет адрес API, используется в тестах
	Backend stripe.Backend
}

// Client создает страницы оплаты в Stripe
type Client struct {
	api    *client.API
	prices map[domain.Tier]Price
	cfg    ClientConfig
	log    *logger.Logger
}

// NewClient создает клиент Stripe. Собственные повторы SDK отключены,
// повторами управляет backoff.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: cfg.Timeout},
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		})
	}
	api := client.New(cfg.APIKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	prices := make(map[domain.Tier]Price, len(cfg.Prices))
	for _, p := range cfg.Prices {
		if _, ok := prices[p.Tier]; !ok {
			prices[p.Tier] = p
		}
	}

	return &Client{api: api, prices: prices, cfg: cfg, log: log}
}

// CreateCheckoutSession создает Checkout Session для покупки тарифа.
// user_id и tier пишутся в метаданные сессии и подписки, по ним вебхуки находят пользователя.
func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	price, ok := c.prices[req.Tier]
	if !ok {
		return domain.CheckoutSession{}, fmt.Errorf("%w: tier %q is not for sale", domain.ErrInvalidArgument, req.Tier)
	}

	metadata := map[string]string{
		metadataUserIDKey: req.UserID,
		metadataTierKey:   string(req.Tier),
	}
	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price.ID), Quantity: stripe.Int64(1)},
		},
		Metadata: metadata,
	}
	if price.Mode == domain.CheckoutOneTime {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		if req.Email != "" {
			params.CustomerEmail = stripe.String(req.Email)
		}
		if price.Mode == domain.CheckoutOneTime {
			// Без клиента возврат разового платежа нельзя связать с пользователем
			params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
		}
	}
	// Один ключ на все попытки: Stripe вернет ту же сессию при повторе
	params.SetIdempotencyKey(uuid.NewString())

	session, err := retry(ctx, c.cfg.MaxRetries, func() (*stripe.CheckoutSession, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		params.Context = callCtx
		return c.api.CheckoutSessions.New(params)
	})
	if err != nil {
		logStripeError(c.log, "CreateCheckoutSession", err)
		if retryable(err) {
			return domain.CheckoutSession{}, domain.NewTransientError("stripe: create checkout session", err)
		}
		return domain.CheckoutSession{}, fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}

	c.log.Infow("Stripe checkout session created", "sessionID", session.ID, "userID", req.UserID, "tier", req.Tier)
	return domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// retry повторяет op с экспоненциальной задержкой, пока ошибка временная
func retry[T any](ctx context.Context, maxRetries int, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}

// retryable: 429, 5xx и сетевые ошибки
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
