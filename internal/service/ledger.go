package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/internal/tier"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/google/uuid"
)

// Причины записей в истории подписки, не связанные с событиями провайдера
const (
	CauseProvisioned    = "provisioned"
	CauseTrialExpired   = "trial_expired"
	CauseAdminChange    = "admin_tier_change"
	CauseAccountDeleted = "account_deleted"
)

const (
	defaultTrialPeriod = 14 * 24 * time.Hour
	sweepBatchSize     = 500
	notifyTimeout      = 5 * time.Second
)

// SubscriptionLedger владеет жизненным циклом подписки.
// Клиентские пути не могут менять тариф или функции напрямую.
type SubscriptionLedger struct {
	store       repository.Store
	catalog     *tier.Catalog
	trialPeriod time.Duration
	revoker     SessionRevoker
	publisher   EntitlementPublisher
	opts        options
	log         *logger.Logger
}

// NewSubscriptionLedger создает ledger
func NewSubscriptionLedger(
	store repository.Store,
	catalog *tier.Catalog,
	trialPeriod time.Duration,
	revoker SessionRevoker,
	publisher EntitlementPublisher,
	log *logger.Logger,
	opts ...Option,
) *SubscriptionLedger {
	if trialPeriod <= 0 {
		trialPeriod = defaultTrialPeriod
	}
	return &SubscriptionLedger{
		store:       store,
		catalog:     catalog,
		trialPeriod: trialPeriod,
		revoker:     revoker,
		publisher:   publisher,
		opts:        buildOptions(opts),
		log:         log,
	}
}

// outcome то, что нужно сделать после фиксации транзакции
type outcome struct {
	change      *domain.EntitlementChange
	revocations []domain.SessionRevocation
}

// Provision создает пользователя и пробную подписку. Повторный вызов
// возвращает существующую подписку и created=false.
func (l *SubscriptionLedger) Provision(ctx context.Context, identity domain.Identity) (*domain.Subscription, bool, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, false, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}

	now := l.opts.now().UTC()
	var (
		sub     *domain.Subscription
		created bool
	)
	err := l.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.CreateUser(ctx, domain.User{ID: identity.UserID, Email: identity.Email, CreatedAt: now}); err != nil {
			return err
		}

		existing, err := tx.GetSubscriptionForUpdate(ctx, identity.UserID)
		if err == nil {
			sub = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		sub = &domain.Subscription{
			UserID:             identity.UserID,
			Status:             domain.StatusActive,
			TrialEndsAt:        domain.TimePtr(now.Add(l.trialPeriod)),
			CurrentPeriodStart: domain.TimePtr(now),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := l.catalog.Apply(sub, domain.TierTrial); err != nil {
			return err
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		created = true
		return tx.AppendHistory(ctx, identity.UserID, domain.HistoryEntry{
			ID:       uuid.NewString(),
			At:       now,
			ToTier:   sub.Tier,
			ToStatus: sub.Status,
			Cause:    CauseProvisioned,
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("provision %s: %w", identity.UserID, err)
	}

	if created {
		l.log.Infow("Trial subscription provisioned", "userID", identity.UserID, "trialEndsAt", sub.TrialEndsAt)
		l.afterCommit(ctx, outcome{change: entitlementChange(sub, CauseProvisioned, "", now)})
	}
	return sub, created, nil
}

// Current возвращает подписку без счетчиков. Истекший пробный период
// переводится в expired прямо при чтении.
func (l *SubscriptionLedger) Current(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := l.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if domain.TrialExpired(sub, l.opts.now().UTC()) {
		return l.ExpireTrial(ctx, userID)
	}
	return sub, nil
}

// Get возвращает подписку с расходом за текущий месяц
func (l *SubscriptionLedger) Get(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := l.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	usage, err := l.store.GetUsage(ctx, userID, domain.MonthStart(l.opts.now().UTC()))
	if err != nil {
		return nil, err
	}
	sub.UsageThisMonth = usage
	return sub, nil
}

// GetWithHistory то же, что Get, плюс журнал переходов
func (l *SubscriptionLedger) GetWithHistory(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.History, err = l.History(ctx, userID); err != nil {
		return nil, err
	}
	return sub, nil
}

// History возвращает журнал переходов подписки
func (l *SubscriptionLedger) History(ctx context.Context, userID string) ([]domain.HistoryEntry, error) {
	return l.store.ListHistory(ctx, userID)
}

// ExpireTrial переводит подписку в expired, если пробный период истек.
// Условие перепроверяется под блокировкой строки.
func (l *SubscriptionLedger) ExpireTrial(ctx context.Context, userID string) (*domain.Subscription, error) {
	now := l.opts.now().UTC()

	var (
		out *domain.Subscription
		oc  outcome
	)
	err := l.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		out = sub
		if !domain.TrialExpired(sub, now) {
			return nil
		}

		before := sub.Clone()
		sub.Status = domain.StatusExpired
		oc.change, err = l.persist(ctx, tx, before, sub, CauseTrialExpired, "", now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire trial %s: %w", userID, err)
	}

	if oc.change != nil {
		l.log.Infow("Trial expired", "userID", userID)
		l.afterCommit(ctx, oc)
	}
	return out, nil
}

// ExpireTrials плановая очистка истекших пробных периодов.
// Возвращает число переведенных в expired подписок.
func (l *SubscriptionLedger) ExpireTrials(ctx context.Context) (int, error) {
	ids, err := l.store.ListExpiredTrials(ctx, l.opts.now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired trials: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sub, err := l.ExpireTrial(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			l.log.Warnw("Failed to expire trial", "userID", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if sub.Status == domain.StatusExpired {
			expired++
		}
	}

	if expired > 0 {
		l.log.Infow("Trial sweep finished", "expired", expired, "candidates", len(ids))
	}
	return expired, errors.Join(errs...)
}

// ApplyTierChange внутренний административный путь смены тарифа.
// Пересчитывает ограничения из каталога и выселяет давно не виденные
// устройства, если новый лимит меньше числа активных.
func (l *SubscriptionLedger) ApplyTierChange(ctx context.Context, userID string, t domain.Tier, period *domain.Period, cause string) (*domain.Subscription, error) {
	if _, err := l.catalog.Config(t); err != nil {
		return nil, err
	}
	if cause == "" {
		cause = CauseAdminChange
	}
	now := l.opts.now().UTC()

	var (
		out *domain.Subscription
		oc  outcome
	)
	err := l.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		before := sub.Clone()

		if oc.revocations, err = l.retier(ctx, tx, sub, t, now); err != nil {
			return err
		}
		sub.Status = domain.StatusActive
		if t == domain.TierTrial {
			if sub.TrialEndsAt == nil || now.After(*sub.TrialEndsAt) {
				sub.TrialEndsAt = domain.TimePtr(now.Add(l.trialPeriod))
			}
		} else {
			sub.TrialEndsAt = nil
		}
		if period != nil {
			sub.CurrentPeriodStart = period.Start
			sub.CurrentPeriodEnd = period.End
		}

		oc.change, err = l.persist(ctx, tx, before, sub, cause, "", now)
		out = sub
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("apply tier change %s: %w", userID, err)
	}

	l.log.Infow("Tier changed", "userID", userID, "tier", t, "cause", cause, "evicted", len(oc.revocations))
	l.afterCommit(ctx, oc)
	return out, nil
}

// DeleteAccount удаляет пользователя вместе с подпиской, устройствами,
// историей и счетчиками, отзывая сессии активных устройств.
func (l *SubscriptionLedger) DeleteAccount(ctx context.Context, userID string) error {
	now := l.opts.now().UTC()

	var oc outcome
	err := l.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		active, err := tx.ListActiveDevices(ctx, userID)
		if err != nil {
			return err
		}
		for _, d := range active {
			oc.revocations = append(oc.revocations, domain.SessionRevocation{
				UserID: userID, DeviceID: d.ID, Reason: domain.ReasonRemovedByUser, At: now,
			})
		}
		if sub != nil {
			oc.change = &domain.EntitlementChange{
				UserID:    userID,
				Tier:      sub.Tier,
				Status:    domain.StatusExpired,
				Cause:     CauseAccountDeleted,
				ChangedAt: now,
			}
		}
		return tx.DeleteUser(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", userID, err)
	}

	l.log.Infow("Account deleted", "userID", userID, "devices", len(oc.revocations))
	l.afterCommit(ctx, oc)
	return nil
}

// retier применяет тариф из каталога и выселяет лишние устройства.
// Устройства отсортированы по lastSeen, первыми уходят самые давние.
// Лимит 0 не выселяет: существующие устройства сохраняются.
func (l *SubscriptionLedger) retier(ctx context.Context, tx repository.Tx, sub *domain.Subscription, t domain.Tier, now time.Time) ([]domain.SessionRevocation, error) {
	if err := l.catalog.Apply(sub, t); err != nil {
		return nil, err
	}
	active, err := tx.ListActiveDevices(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}

	var revs []domain.SessionRevocation
	if sub.MaxDevices > 0 && len(active) > sub.MaxDevices {
		excess := len(active) - sub.MaxDevices
		for _, d := range active[:excess] {
			rev, err := deactivateDevice(ctx, tx, d, domain.ReasonLimitEviction, now)
			if err != nil {
				return nil, err
			}
			revs = append(revs, rev)
		}
		active = active[excess:]
	}
	sub.ActiveDeviceCount = len(active)
	return revs, nil
}

// persist сохраняет подписку и, если изменился жизненный цикл, пишет историю
func (l *SubscriptionLedger) persist(ctx context.Context, tx repository.Tx, before, after *domain.Subscription, cause, eventID string, now time.Time) (*domain.EntitlementChange, error) {
	after.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, after); err != nil {
		return nil, err
	}
	if !lifecycleChanged(before, after) {
		return nil, nil
	}

	entry := domain.HistoryEntry{
		ID:         uuid.NewString(),
		At:         now,
		FromTier:   before.Tier,
		ToTier:     after.Tier,
		FromStatus: before.Status,
		ToStatus:   after.Status,
		Cause:      cause,
		EventID:    eventID,
	}
	if err := tx.AppendHistory(ctx, after.UserID, entry); err != nil {
		return nil, err
	}
	return entitlementChange(after, cause, eventID, now), nil
}

// afterCommit доставляет отзывы сессий и публикует изменение прав.
// Изменение прав доставляется по возможности, ошибка только логируется.
func (l *SubscriptionLedger) afterCommit(ctx context.Context, oc outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	var revErr error
	for _, rev := range oc.revocations {
		err := l.revoker.RevokeDeviceSessions(ctx, rev)
		l.opts.metrics.RecordRevocation(rev.Reason, err == nil)
		if err != nil {
			l.log.Errorw("Failed to deliver session revocation",
				"userID", rev.UserID, "deviceID", rev.DeviceID, "reason", rev.Reason, "error", err)
			revErr = errors.Join(revErr, err)
		}
	}

	if oc.change != nil {
		if err := l.publisher.PublishEntitlementChange(ctx, *oc.change); err != nil {
			l.log.Warnw("Failed to publish entitlement change", "userID", oc.change.UserID, "cause", oc.change.Cause, "error", err)
		}
	}
	return revErr
}

func deactivateDevice(ctx context.Context, tx repository.Tx, d domain.Device, reason string, now time.Time) (domain.SessionRevocation, error) {
	d.IsActive = false
	d.DeactivationReason = reason
	d.DeactivatedAt = domain.TimePtr(now)
	if err := tx.UpdateDevice(ctx, &d); err != nil {
		return domain.SessionRevocation{}, err
	}
	return domain.SessionRevocation{UserID: d.UserID, DeviceID: d.ID, Reason: reason, At: now}, nil
}

func lifecycleChanged(before, after *domain.Subscription) bool {
	return before.Tier != after.Tier ||
		before.Status != after.Status ||
		!sameTime(before.CurrentPeriodEnd, after.CurrentPeriodEnd) ||
		!sameTime(before.TrialEndsAt, after.TrialEndsAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func entitlementChange(sub *domain.Subscription, cause, eventID string, now time.Time) *domain.EntitlementChange {
	return &domain.EntitlementChange{
		UserID:    sub.UserID,
		Tier:      sub.Tier,
		Status:    sub.Status,
		Features:  append([]string(nil), sub.Features...),
		Cause:     cause,
		EventID:   eventID,
		ChangedAt: now,
	}
}
