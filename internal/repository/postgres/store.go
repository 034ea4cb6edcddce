package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// Store реализация repository.Store поверх pgxpool
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	log     *logger.Logger
}

var _ repository.Store = (*Store)(nil)

// NewStore создает хранилище. timeout ограничивает каждую транзакцию и запрос.
func NewStore(pool *pgxpool.Pool, timeout time.Duration, log *logger.Logger) *Store {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{pool: pool, timeout: timeout, log: log}
}

// Atomic выполняет fn в транзакции READ COMMITTED. Сериализация писателей
// одного пользователя обеспечивается SELECT ... FOR UPDATE по строке подписки.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError("begin transaction", err)
	}

	defer func() {
		if err != nil {
			if rbErr := pgTx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.log.Warnw("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}

	if err = pgTx.Commit(ctx); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE user_id = $1`, userID))
	if err != nil {
		return nil, mapNotFound(mapError("get subscription", err), "subscription", userID)
	}
	return sub, nil
}

func (s *Store) ListHistory(ctx context.Context, userID string) ([]domain.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, at, from_tier, to_tier, from_status, to_status, cause, event_id
		FROM subscription_history
		WHERE user_id = $1
		ORDER BY at, id`, userID)
	if err != nil {
		return nil, mapError("list history", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var fromTier, toTier, fromStatus, toStatus string
		if err := rows.Scan(&h.ID, &h.At, &fromTier, &toTier, &fromStatus, &toStatus, &h.Cause, &h.EventID); err != nil {
			return nil, mapError("scan history", err)
		}
		h.FromTier, h.ToTier = domain.Tier(fromTier), domain.Tier(toTier)
		h.FromStatus, h.ToStatus = domain.SubscriptionStatus(fromStatus), domain.SubscriptionStatus(toStatus)
		out = append(out, h)
	}
	return out, mapError("list history", rows.Err())
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, selectDevice+` WHERE user_id = $1 ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, mapError("list devices", err)
	}
	return collectDevices(rows)
}

func (s *Store) GetUsage(ctx context.Context, userID string, period time.Time) (domain.UsageCounters, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return getUsage(ctx, s.pool, userID, period)
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rec domain.WebhookEventRecord
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, status, attempts, last_error, created_at, updated_at
		FROM webhook_events WHERE event_id = $1`, eventID).
		Scan(&rec.EventID, &rec.EventType, &status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(mapError("get webhook event", err), "webhook event", eventID)
	}
	rec.Status = domain.WebhookEventStatus(status)
	return &rec, nil
}

func (s *Store) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM subscriptions
		WHERE status = 'active' AND trial_ends_at IS NOT NULL AND trial_ends_at < $1
		ORDER BY trial_ends_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapError("list expired trials", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError("list expired trials", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapError("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() {
	s.pool.Close()
}

// mapError переводит ошибки pgx в доменные
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return domain.NewTransientError(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrDuplicate)
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return domain.NewTransientError(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return domain.NewTransientError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mapNotFound уточняет ErrNotFound сущностью и ключом
func mapNotFound(err error, entity, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewNotFoundError(entity, id)
	}
	return err
}
