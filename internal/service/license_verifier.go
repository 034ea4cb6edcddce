package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/req"
)

// TokenIssuer выпускает подписанный токен лицензии
type TokenIssuer interface {
	IssueLicense(sub *domain.Subscription, deviceID string, now time.Time) (string, time.Time, error)
}

// RemediationURLs ссылки, которые клиент показывает при отказе
type RemediationURLs struct {
	Upgrade       string `mapstructure:"upgrade"`
	Resubscribe   string `mapstructure:"resubscribe"`
	Renew         string `mapstructure:"renew"`
	UpdatePayment string `mapstructure:"update_payment"`
	ManageDevices string `mapstructure:"manage_devices"`
	Support       string `mapstructure:"support"`
}

// VerifyRequest запрос проверки лицензии
type VerifyRequest struct {
	Identity      domain.Identity
	Fingerprint   string
	Device        domain.DeviceMeta
	ClientVersion string
}

// LicenseVerifier точка входа для проверки лицензии клиентом
type LicenseVerifier struct {
	limiter  RateLimiter
	ledger   *SubscriptionLedger
	registry *DeviceRegistry
	issuer   TokenIssuer
	urls     RemediationURLs
	opts     options
	log      *logger.Logger
}

// NewLicenseVerifier создает проверяющего
func NewLicenseVerifier(
	limiter RateLimiter,
	ledger *SubscriptionLedger,
	registry *DeviceRegistry,
	issuer TokenIssuer,
	urls RemediationURLs,
	log *logger.Logger,
	opts ...Option,
) *LicenseVerifier {
	return &LicenseVerifier{
		limiter:  limiter,
		ledger:   ledger,
		registry: registry,
		issuer:   issuer,
		urls:     urls,
		opts:     buildOptions(opts),
		log:      log,
	}
}

// Verify проверяет лимит частоты, подписку и устройство именно в этом
// порядке и выдает токен. Отказы возвращаются решением, а не ошибкой.
// Подписка и устройство проверяются в одной транзакции.
func (v *LicenseVerifier) Verify(ctx context.Context, r VerifyRequest) (domain.LicenseDecision, error) {
	start := v.opts.now()
	defer func() { v.opts.metrics.ObserveVerifyDuration(v.opts.now().Sub(start)) }()

	userID := r.Identity.UserID
	if userID == "" {
		return domain.LicenseDecision{}, fmt.Errorf("%w: identity is required", domain.ErrUnauthenticated)
	}
	if err := validateClientVersion(r.ClientVersion); err != nil {
		return domain.LicenseDecision{}, err
	}
	if _, err := v.registry.DeviceID(r.Fingerprint); err != nil {
		return domain.LicenseDecision{}, err
	}

	rl := v.limiter.Check(ctx, userID, ratelimit.ActionLicenseVerify)
	if !rl.Permitted() {
		return v.decide(domain.LicenseDecision{
			Status:      domain.LicenseRateLimited,
			RetryAfter:  rl.RetryAfterSeconds(),
			Remediation: &domain.Remediation{Action: domain.ActionRetryLater},
		}), nil
	}

	// чтение может идти через кеш, оно только истекает пробный период
	if _, err := v.ledger.Current(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return v.noSubscription(), nil
		}
		return domain.LicenseDecision{}, err
	}

	meta := r.Device
	meta.AppVersion = r.ClientVersion
	dd, err := v.registry.VerifyOrRegister(ctx, userID, r.Fingerprint, meta)
	if errors.Is(err, domain.ErrNotFound) {
		// аккаунт удален между чтением подписки и регистрацией
		return v.noSubscription(), nil
	}
	if err != nil {
		return domain.LicenseDecision{}, err
	}

	now := v.opts.now().UTC()
	// статус и права берутся из строки, заблокированной при решении по устройству
	sub := dd.Subscription
	if dd.Kind == domain.DeviceSubscriptionInactive || !domain.IsActive(sub, now) {
		return v.decide(v.inactive(sub, now)), nil
	}

	switch dd.Kind {
	case domain.DeviceConflict:
		return v.decide(domain.LicenseDecision{
			Status:      domain.LicenseDeviceConflict,
			Remediation: &domain.Remediation{Action: domain.ActionContact, URL: v.urls.Support},
		}), nil
	case domain.DeviceDeactivated:
		return v.decide(domain.LicenseDecision{
			Status:      domain.LicenseDeviceDeactivated,
			DeviceID:    dd.Device.ID,
			Reason:      dd.Reason,
			Remediation: &domain.Remediation{Action: domain.ActionReactivate, URL: v.urls.ManageDevices},
		}), nil
	case domain.DeviceLimitExceeded:
		return v.decide(domain.LicenseDecision{
			Status:        domain.LicenseDeviceLimitExceeded,
			Tier:          sub.Tier,
			ActiveDevices: domain.DeviceViews(dd.ActiveDevices),
			Remediation:   &domain.Remediation{Action: domain.ActionRemoveDevice, URL: v.urls.ManageDevices},
		}), nil
	}

	signed, expiresAt, err := v.issuer.IssueLicense(sub, dd.Device.ID, now)
	if err != nil {
		return domain.LicenseDecision{}, err
	}
	return v.decide(domain.LicenseDecision{
		Status:    domain.LicenseValid,
		Token:     signed,
		ExpiresAt: &expiresAt,
		DeviceID:  dd.Device.ID,
		Tier:      sub.Tier,
		Features:  append([]string(nil), sub.Features...),
	}), nil
}

func (v *LicenseVerifier) noSubscription() domain.LicenseDecision {
	return v.decide(domain.LicenseDecision{
		Status:      domain.LicenseNoSubscription,
		Remediation: &domain.Remediation{Action: domain.ActionUpgrade, URL: v.urls.Upgrade},
	})
}

// inactive выбирает решение и подсказку по статусу неактивной подписки
func (v *LicenseVerifier) inactive(sub *domain.Subscription, now time.Time) domain.LicenseDecision {
	d := domain.LicenseDecision{Tier: sub.Tier}
	switch {
	case sub.Status == domain.StatusCancelled:
		d.Status = domain.LicenseCancelled
		d.Remediation = &domain.Remediation{Action: domain.ActionResubscribe, URL: v.urls.Resubscribe}
	case sub.Status == domain.StatusPastDue:
		d.Status = domain.LicenseExpired
		d.Remediation = &domain.Remediation{Action: domain.ActionUpdatePayment, URL: v.urls.UpdatePayment}
	case sub.Tier == domain.TierTrial && sub.Status != domain.StatusRefunded:
		d.Status = domain.LicenseTrialExpired
		d.Remediation = &domain.Remediation{Action: domain.ActionUpgrade, URL: v.urls.Upgrade}
	default:
		d.Status = domain.LicenseExpired
		d.Remediation = &domain.Remediation{Action: domain.ActionRenew, URL: v.urls.Renew}
	}
	return d
}

func (v *LicenseVerifier) decide(d domain.LicenseDecision) domain.LicenseDecision {
	v.opts.metrics.RecordDecision(string(d.Status))
	return d
}

func validateClientVersion(version string) error {
	if err := req.Var(version, "required,max=64,semver"); err != nil {
		var verrs domain.ValidationErrors
		verrs.Add("client_version", "must be a semantic version of at most 64 characters")
		return verrs
	}
	return nil
}
