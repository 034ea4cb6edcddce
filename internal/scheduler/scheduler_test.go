package scheduler

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls    atomic.Int32
	deadline atomic.Bool
	err      error
}

func (s *countingSweeper) ExpireTrials(ctx context.Context) (int, error) {
	s.calls.Add(1)
	_, ok := ctx.Deadline()
	s.deadline.Store(ok)
	return 3, s.err
}

type countingRecorder struct{ calls atomic.Int32 }

func (r *countingRecorder) Record() { r.calls.Add(1) }

func TestSweepTrials(t *testing.T) {
	s := New(Config{}, NewLocalLocker(), logger.NewNop())
	sweeper := &countingSweeper{}

	s.SweepTrials(context.Background(), sweeper)
	s.SweepTrials(context.Background(), sweeper)
	assert.Equal(t, int32(2), sweeper.calls.Load(), "lock must be released after each run")

	sweeper.err = errors.New("db down")
	s.SweepTrials(context.Background(), sweeper)
	assert.Equal(t, int32(3), sweeper.calls.Load())
}

func TestSweepTrials_SkippedWhenLockHeld(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), JobTrialSweep)
	require.NoError(t, err)

	s := New(Config{}, locker, logger.NewNop())
	sweeper := &countingSweeper{}
	s.SweepTrials(context.Background(), sweeper)
	assert.Zero(t, sweeper.calls.Load())

	release()
	s.SweepTrials(context.Background(), sweeper)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "a")
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := l.Acquire(context.Background(), "b")
	require.NoError(t, err)
	other()

	release()
	release2, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(Config{TrialSweepSpec: "not a cron spec"}, NewLocalLocker(), logger.NewNop())
	assert.Error(t, s.AddTrialSweep(&countingSweeper{}))
}

func TestAdd_EmptySpecDisablesJob(t *testing.T) {
	s := New(Config{}, NewLocalLocker(), logger.NewNop())
	require.NoError(t, s.AddSystemMetrics(&countingRecorder{}))
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_RunsJobsWithTimeout(t *testing.T) {
	s := New(Config{
		TrialSweepSpec: "* * * * * *",
		MetricsSpec:    "* * * * * *",
		JobTimeout:     time.Second,
	}, NewLocalLocker(), logger.NewNop())

	sweeper := &countingSweeper{}
	rec := &countingRecorder{}
	require.NoError(t, s.AddTrialSweep(sweeper))
	require.NoError(t, s.AddSystemMetrics(rec))

	s.Start()
	assert.Eventually(t, func() bool {
		return sweeper.calls.Load() > 0 && rec.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, sweeper.deadline.Load(), "job context must carry the configured timeout")
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("LICENSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LICENSE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client, 5*time.Second)
	b := NewRedisLocker(client, 5*time.Second)
	name := "test-" + time.Now().Format("150405.000000")

	release, err := a.Acquire(context.Background(), name)
	require.NoError(t, err)

	_, err = b.Acquire(context.Background(), name)
	assert.ErrorIs(t, err, ErrLockHeld)

	release()
	release2, err := b.Acquire(context.Background(), name)
	require.NoError(t, err)
	release2()
}
