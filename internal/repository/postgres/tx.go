package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier общий набор методов pgx.Tx и pgxpool.Pool
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectSubscription = `
	SELECT user_id, tier, status, trial_ends_at, current_period_start, current_period_end,
	       max_devices, active_device_count, features, usage_limits,
	       COALESCE(provider_customer_id, ''), COALESCE(provider_subscription_id, ''),
	       last_event_at, created_at, updated_at
	FROM subscriptions`

const selectDevice = `
	SELECT id, user_id, name, platform, app_version, is_active, first_seen, last_seen,
	       deactivation_reason, deactivated_at
	FROM devices`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var tier, status string
	err := row.Scan(
		&sub.UserID, &tier, &status, &sub.TrialEndsAt, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.MaxDevices, &sub.ActiveDeviceCount, &sub.Features, &sub.UsageLimits,
		&sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = domain.Tier(tier)
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &d.AppVersion, &d.IsActive,
		&d.FirstSeen, &d.LastSeen, &d.DeactivationReason, &d.DeactivatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDevices(rows pgx.Rows) ([]domain.Device, error) {
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, mapError("scan device", err)
		}
		out = append(out, *d)
	}
	return out, mapError("list devices", rows.Err())
}

func getUsage(ctx context.Context, q querier, userID string, period time.Time) (domain.UsageCounters, error) {
	rows, err := q.Query(ctx, `
		SELECT metric, value FROM usage_counters
		WHERE user_id = $1 AND period_start = $2`, userID, period.UTC())
	if err != nil {
		return nil, mapError("get usage", err)
	}
	defer rows.Close()

	out := make(domain.UsageCounters, len(domain.UsageMetrics))
	for _, m := range domain.UsageMetrics {
		out[m] = 0
	}
	for rows.Next() {
		var metric string
		var value int64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, mapError("scan usage", err)
		}
		out[domain.UsageMetric(metric)] = value
	}
	return out, mapError("get usage", rows.Err())
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type tx struct {
	q querier
}

func (t *tx) CreateUser(ctx context.Context, user domain.User) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, user.ID, user.Email, user.CreatedAt)
	if err != nil {
		return false, mapError("create user", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) DeleteUser(ctx context.Context, userID string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return mapError("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("user", userID)
	}
	return nil
}

func (t *tx) GetSubscriptionForUpdate(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(t.q.QueryRow(ctx, selectSubscription+` WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, mapNotFound(mapError("lock subscription", err), "subscription", userID)
	}
	return sub, nil
}

func (t *tx) GetSubscriptionByCustomerForUpdate(ctx context.Context, customerID string) (*domain.Subscription, error) {
	if customerID == "" {
		return nil, domain.NewNotFoundError("subscription for customer", customerID)
	}
	sub, err := scanSubscription(t.q.QueryRow(ctx, selectSubscription+` WHERE provider_customer_id = $1 FOR UPDATE`, customerID))
	if err != nil {
		return nil, mapNotFound(mapError("lock subscription by customer", err), "subscription for customer", customerID)
	}
	return sub, nil
}

func (t *tx) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO subscriptions (
			user_id, tier, status, trial_ends_at, current_period_start, current_period_end,
			max_devices, active_device_count, features, usage_limits,
			provider_customer_id, provider_subscription_id, last_event_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.UserID, string(sub.Tier), string(sub.Status), sub.TrialEndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.MaxDevices, sub.ActiveDeviceCount, sub.Features, sub.UsageLimits,
		nullIfEmpty(sub.ProviderCustomerID), nullIfEmpty(sub.ProviderSubscriptionID), sub.LastEventAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	return mapError("insert subscription", err)
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE subscriptions SET
			tier = $2, status = $3, trial_ends_at = $4, current_period_start = $5, current_period_end = $6,
			max_devices = $7, active_device_count = $8, features = $9, usage_limits = $10,
			provider_customer_id = $11, provider_subscription_id = $12, last_event_at = $13, updated_at = $14
		WHERE user_id = $1`,
		sub.UserID, string(sub.Tier), string(sub.Status), sub.TrialEndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.MaxDevices, sub.ActiveDeviceCount, sub.Features, sub.UsageLimits,
		nullIfEmpty(sub.ProviderCustomerID), nullIfEmpty(sub.ProviderSubscriptionID), sub.LastEventAt, sub.UpdatedAt,
	)
	if err != nil {
		return mapError("update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("subscription", sub.UserID)
	}
	return nil
}

func (t *tx) AppendHistory(ctx context.Context, userID string, e domain.HistoryEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO subscription_history (id, user_id, at, from_tier, to_tier, from_status, to_status, cause, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, userID, e.At, string(e.FromTier), string(e.ToTier), string(e.FromStatus), string(e.ToStatus), e.Cause, e.EventID,
	)
	return mapError("append history", err)
}

func (t *tx) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	d, err := scanDevice(t.q.QueryRow(ctx, selectDevice+` WHERE id = $1 FOR UPDATE`, deviceID))
	if err != nil {
		return nil, mapNotFound(mapError("get device", err), "device", deviceID)
	}
	return d, nil
}

func (t *tx) ListActiveDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	rows, err := t.q.Query(ctx, selectDevice+` WHERE user_id = $1 AND is_active ORDER BY last_seen, id`, userID)
	if err != nil {
		return nil, mapError("list active devices", err)
	}
	return collectDevices(rows)
}

func (t *tx) InsertDevice(ctx context.Context, d *domain.Device) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO devices (id, user_id, name, platform, app_version, is_active, first_seen, last_seen,
		                     deactivation_reason, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.UserID, d.Name, d.Platform, d.AppVersion, d.IsActive, d.FirstSeen, d.LastSeen,
		d.DeactivationReason, d.DeactivatedAt,
	)
	return mapError("insert device", err)
}

func (t *tx) UpdateDevice(ctx context.Context, d *domain.Device) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE devices SET name = $2, platform = $3, app_version = $4, is_active = $5, last_seen = $6,
		                   deactivation_reason = $7, deactivated_at = $8
		WHERE id = $1`,
		d.ID, d.Name, d.Platform, d.AppVersion, d.IsActive, d.LastSeen, d.DeactivationReason, d.DeactivatedAt,
	)
	if err != nil {
		return mapError("update device", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("device", d.ID)
	}
	return nil
}

// ClaimWebhookEvent точка конфликта идемпотентности: уникальный ключ event_id.
// Параллельная вставка того же id ждет фиксации первой транзакции.
func (t *tx) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	var claimed string
	err := t.q.QueryRow(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, attempts, created_at, updated_at)
		VALUES ($1, $2, 'processing', 1, $3, $3)
		ON CONFLICT (event_id) DO UPDATE
			SET status = 'processing', attempts = webhook_events.attempts + 1,
			    last_error = '', updated_at = EXCLUDED.updated_at
			WHERE webhook_events.status = 'failed'
		RETURNING event_id`, eventID, eventType, now).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError("claim webhook event", err)
	}
	return true, nil
}

func (t *tx) CompleteWebhookEvent(ctx context.Context, eventID string, now time.Time) error {
	_, err := t.q.Exec(ctx, `
		UPDATE webhook_events SET status = 'completed', updated_at = $2 WHERE event_id = $1`, eventID, now)
	return mapError("complete webhook event", err)
}

func (t *tx) RecordWebhookFailure(ctx context.Context, eventID, eventType, lastErr string, now time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, 'failed', 1, $3, $4, $4)
		ON CONFLICT (event_id) DO UPDATE
			SET status = 'failed', attempts = webhook_events.attempts + 1,
			    last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
			WHERE webhook_events.status <> 'completed'`, eventID, eventType, lastErr, now)
	return mapError("record webhook failure", err)
}

// IncrementUsage одно условное UPSERT-выражение, без чтения-изменения-записи
func (t *tx) IncrementUsage(ctx context.Context, userID string, period time.Time, metric domain.UsageMetric, amount, limit int64) (int64, bool, error) {
	period = period.UTC()
	if limit >= 0 && amount > limit {
		current, err := t.currentUsage(ctx, userID, period, metric)
		return current, false, err
	}

	var value int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, period_start, metric, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, period_start, metric) DO UPDATE
			SET value = usage_counters.value + EXCLUDED.value
			WHERE $5::BIGINT < 0 OR usage_counters.value + EXCLUDED.value <= $5::BIGINT
		RETURNING value`, userID, period, string(metric), amount, limit).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := t.currentUsage(ctx, userID, period, metric)
		return current, false, err
	}
	if err != nil {
		return 0, false, mapError("increment usage", err)
	}
	return value, true, nil
}

func (t *tx) currentUsage(ctx context.Context, userID string, period time.Time, metric domain.UsageMetric) (int64, error) {
	var value int64
	err := t.q.QueryRow(ctx, `
		SELECT value FROM usage_counters WHERE user_id = $1 AND period_start = $2 AND metric = $3`,
		userID, period, string(metric)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("read usage", err)
	}
	return value, nil
}

func (t *tx) GetUsage(ctx context.Context, userID string, period time.Time) (domain.UsageCounters, error) {
	return getUsage(ctx, t.q, userID, period)
}
