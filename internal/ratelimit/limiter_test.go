package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type failingStore struct{}

func (failingStore) Record(context.Context, string, time.Time, time.Duration, int) (bool, int, time.Time, error) {
	return false, 0, time.Time{}, errors.New("connection refused")
}

type countingRecorder struct {
	mu   sync.Mutex
	seen map[string]int
}

func (r *countingRecorder) RecordRateLimit(action, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]int)
	}
	r.seen[action+"/"+outcome]++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_UnconfiguredActionIsUnlimited(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), DefaultRules(), logger.NewNop())
	for i := 0; i < 1000; i++ {
		res := l.Check(context.Background(), "u1", "export_preview")
		require.Equal(t, Allowed, res.Outcome)
		require.Equal(t, -1, res.Remaining)
	}
}

func TestLimiter_ExactlyMaxAllowedWithinWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 30).Draw(t, "max")
		extra := rapid.IntRange(1, 30).Draw(t, "extra")
		windowSec := rapid.IntRange(1, 600).Draw(t, "windowSec")
		window := time.Duration(windowSec) * time.Second

		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		l := NewLimiter(NewMemoryStore(), map[string]Rule{"act": {MaxRequests: max, Window: window}},
			logger.NewNop(), WithClock(clock.Now))

		step := window / time.Duration(2*(max+extra))
		allowed, denied := 0, 0
		for i := 0; i < max+extra; i++ {
			res := l.Check(context.Background(), "subject", "act")
			switch res.Outcome {
			case Allowed:
				allowed++
			case Denied:
				denied++
				if res.RetryAfterSeconds() <= 0 {
					t.Fatalf("denied without retryAfter")
				}
			default:
				t.Fatalf("unexpected outcome %v", res.Outcome)
			}
			clock.Advance(step)
		}
		if allowed != max || denied != extra {
			t.Fatalf("allowed=%d denied=%d, want %d/%d", allowed, denied, max, extra)
		}
	})
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(NewMemoryStore(), map[string]Rule{"act": {MaxRequests: 2, Window: 10 * time.Second}},
		logger.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, Allowed, l.Check(ctx, "s", "act").Outcome)
	clock.Advance(4 * time.Second)
	assert.Equal(t, Allowed, l.Check(ctx, "s", "act").Outcome)

	res := l.Check(ctx, "s", "act")
	require.Equal(t, Denied, res.Outcome)
	assert.Equal(t, 6, res.RetryAfterSeconds())

	clock.Advance(6 * time.Second)
	assert.Equal(t, Allowed, l.Check(ctx, "s", "act").Outcome, "first stamp left the window")
	assert.Equal(t, Denied, l.Check(ctx, "s", "act").Outcome)
}

func TestLimiter_SubjectsAreIndependent(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), map[string]Rule{"act": {MaxRequests: 1, Window: time.Minute}}, logger.NewNop())
	assert.Equal(t, Allowed, l.Check(context.Background(), "a", "act").Outcome)
	assert.Equal(t, Allowed, l.Check(context.Background(), "b", "act").Outcome)
	assert.Equal(t, Denied, l.Check(context.Background(), "a", "act").Outcome)
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	rec := &countingRecorder{}
	l := NewLimiter(failingStore{}, DefaultRules(), logger.NewNop(), WithRecorder(rec))

	res := l.Check(context.Background(), "u1", ActionLicenseVerify)
	assert.Equal(t, Indeterminate, res.Outcome)
	assert.True(t, res.Permitted())
	assert.Error(t, res.Err)
	assert.Equal(t, 1, rec.seen[ActionLicenseVerify+"/indeterminate"])
}

func TestLimiter_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), map[string]Rule{"act": {MaxRequests: 25, Window: time.Minute}}, logger.NewNop())

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), "s", "act").Outcome == Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(25), allowed.Load())
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	_, _, _, err := s.Record(context.Background(), "old", now.Add(-2*time.Minute), time.Minute, 5)
	require.NoError(t, err)
	_, _, _, err = s.Record(context.Background(), "fresh", now, time.Minute, 5)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Cleanup(now, 30*time.Second))
	assert.Equal(t, 1, s.Len())
}

func TestRedisStore_SlidingWindow(t *testing.T) {
	addr := os.Getenv("LICENSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LICENSE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Now()}
	l := NewLimiter(NewRedisStore(client, time.Second), map[string]Rule{"act": {MaxRequests: 3, Window: 10 * time.Second}},
		logger.NewNop(), WithClock(clock.Now), WithTimeout(time.Second))
	subject := uuid.NewString()

	for i := 0; i < 3; i++ {
		require.Equal(t, Allowed, l.Check(context.Background(), subject, "act").Outcome)
		clock.Advance(time.Second)
	}
	res := l.Check(context.Background(), subject, "act")
	require.Equal(t, Denied, res.Outcome)
	assert.Equal(t, 7, res.RetryAfterSeconds())
}
