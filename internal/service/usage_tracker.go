package service

import (
	"context"
	"fmt"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/pkg/logger"
)

// UsageTracker учитывает расход против месячных лимитов тарифа
type UsageTracker struct {
	store  repository.Store
	ledger *SubscriptionLedger
	opts   options
	log    *logger.Logger
}

// NewUsageTracker создает учет расхода
func NewUsageTracker(store repository.Store, ledger *SubscriptionLedger, log *logger.Logger, opts ...Option) *UsageTracker {
	return &UsageTracker{
		store:  store,
		ledger: ledger,
		opts:   buildOptions(opts),
		log:    log,
	}
}

// Check отвечает, поместится ли amount в лимит, ничего не записывая
func (u *UsageTracker) Check(ctx context.Context, userID string, metric domain.UsageMetric, amount int64) (domain.UsageCheckResult, error) {
	if err := validateUsage(metric, amount); err != nil {
		return domain.UsageCheckResult{}, err
	}

	sub, err := u.ledger.Current(ctx, userID)
	if err != nil {
		return domain.UsageCheckResult{}, err
	}
	now := u.opts.now().UTC()
	usage, err := u.store.GetUsage(ctx, userID, domain.MonthStart(now))
	if err != nil {
		return domain.UsageCheckResult{}, err
	}

	limit := limitFor(sub, metric)
	current := usage[metric]
	allowed := domain.IsActive(sub, now) && (limit < 0 || current+amount <= limit)
	return domain.UsageCheckResult{Allowed: allowed, Metric: metric, CurrentUsage: current, Limit: limit}, nil
}

// Record атомарно прибавляет amount, если лимит не будет превышен.
// Отказ это решение (Allowed=false), а не ошибка. Статус и лимит читаются
// из подписки, заблокированной в той же транзакции.
func (u *UsageTracker) Record(ctx context.Context, userID string, metric domain.UsageMetric, amount int64) (domain.UsageCheckResult, error) {
	if err := validateUsage(metric, amount); err != nil {
		return domain.UsageCheckResult{}, err
	}
	if _, err := u.ledger.Current(ctx, userID); err != nil {
		return domain.UsageCheckResult{}, err
	}

	now := u.opts.now().UTC()
	var (
		value    int64
		limit    int64
		active   bool
		accepted bool
	)
	err := u.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		limit = limitFor(sub, metric)
		if active = domain.IsActive(sub, now); !active {
			return nil
		}
		value, accepted, err = tx.IncrementUsage(ctx, userID, domain.MonthStart(now), metric, amount, limit)
		return err
	})
	if err != nil {
		return domain.UsageCheckResult{}, fmt.Errorf("record usage: %w", err)
	}

	if !active {
		u.opts.metrics.RecordUsage(string(metric), false)
		usage, err := u.store.GetUsage(ctx, userID, domain.MonthStart(now))
		if err != nil {
			return domain.UsageCheckResult{}, err
		}
		return domain.UsageCheckResult{Metric: metric, CurrentUsage: usage[metric], Limit: limit}, nil
	}

	u.opts.metrics.RecordUsage(string(metric), accepted)
	if !accepted {
		u.log.Infow("Usage limit reached", "userID", userID, "metric", metric, "current", value, "limit", limit)
	}
	return domain.UsageCheckResult{Allowed: accepted, Metric: metric, CurrentUsage: value, Limit: limit}, nil
}

// limitFor лимит метрики, -1 без ограничений. Метрика без лимита в тарифе
// считается недоступной.
func limitFor(sub *domain.Subscription, metric domain.UsageMetric) int64 {
	limit, ok := sub.UsageLimits[metric]
	if !ok {
		return 0
	}
	return limit
}

func validateUsage(metric domain.UsageMetric, amount int64) error {
	var verrs domain.ValidationErrors
	if _, err := domain.ParseUsageMetric(string(metric)); err != nil {
		verrs.Add("metric", "unknown usage metric")
	}
	if amount <= 0 {
		verrs.Add("amount", "must be positive")
	}
	return verrs.Err()
}
