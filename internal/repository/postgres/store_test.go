package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore подключается к базе из LICENSE_TEST_DATABASE_URL, иначе тест пропускается
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LICENSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LICENSE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	log := logger.NewNop()
	pool, err := NewConnection(ctx, dsn, PoolOptions{}, log)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))
	s := NewStore(pool, 5*time.Second, log)
	t.Cleanup(s.Close)
	return s
}

func seed(t *testing.T, s *Store) string {
	t.Helper()
	userID := "u_" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	trialEnds := now.Add(-time.Minute)
	err := s.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.CreateUser(ctx, domain.User{ID: userID, Email: "a@b.c", CreatedAt: now}); err != nil {
			return err
		}
		return tx.InsertSubscription(ctx, &domain.Subscription{
			UserID: userID, Tier: domain.TierTrial, Status: domain.StatusActive, TrialEndsAt: &trialEnds,
			MaxDevices: 1, Features: []string{"tts"},
			UsageLimits: domain.UsageCounters{domain.MetricExports: 5, domain.MetricTTSMinutes: 10, domain.MetricAIGenerations: 10},
			CreatedAt:   now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.DeleteUser(ctx, userID)
		})
	})
	return userID
}

func TestStore_SubscriptionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	userID := seed(t, s)

	sub, err := s.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierTrial, sub.Tier)
	assert.Equal(t, []string{"tts"}, sub.Features)
	assert.Equal(t, int64(5), sub.UsageLimits[domain.MetricExports])

	ids, err := s.ListExpiredTrials(context.Background(), time.Now(), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, userID)
}

func TestStore_ClaimWebhookEventConcurrent(t *testing.T) {
	s := newTestStore(t)
	eventID := "evt_" + uuid.NewString()

	var mu sync.Mutex
	claims := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
				ok, err := tx.ClaimWebhookEvent(ctx, eventID, "invoice.paid", time.Now())
				if err != nil || !ok {
					return err
				}
				mu.Lock()
				claims++
				mu.Unlock()
				return tx.CompleteWebhookEvent(ctx, eventID, time.Now())
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestStore_ReclaimFailedWebhookCountsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()
	now := time.Now().UTC()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.RecordWebhookFailure(ctx, eventID, "invoice.payment_failed", "customer not linked", now)
	}))

	var claimed bool
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		claimed, err = tx.ClaimWebhookEvent(ctx, eventID, "invoice.payment_failed", now.Add(time.Second))
		return err
	}))
	require.True(t, claimed)

	rec, err := s.GetWebhookEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessing, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestStore_IncrementUsageRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	userID := seed(t, s)
	period := domain.MonthStart(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
				_, _, err := tx.IncrementUsage(ctx, userID, period, domain.MetricExports, 1, 5)
				return err
			})
		}()
	}
	wg.Wait()

	usage, err := s.GetUsage(context.Background(), userID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage[domain.MetricExports])
}

func TestStore_DuplicateDeviceIsErrDuplicate(t *testing.T) {
	s := newTestStore(t)
	a, b := seed(t, s), seed(t, s)
	now := time.Now()
	deviceID := uuid.NewString()

	insert := func(userID string) error {
		return s.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.InsertDevice(ctx, &domain.Device{ID: deviceID, UserID: userID, IsActive: true, FirstSeen: now, LastSeen: now})
		})
	}
	require.NoError(t, insert(a))
	assert.ErrorIs(t, insert(b), domain.ErrDuplicate)
}
