package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Имена задач, они же имена блокировок
const (
	JobTrialSweep    = "trial_sweep"
	JobBucketCleanup = "bucket_cleanup"
	JobSystemMetrics = "system_metrics"
)

// TrialSweeper переводит истекшие пробные подписки в expired
type TrialSweeper interface {
	ExpireTrials(ctx context.Context) (int, error)
}

// BucketCleaner удаляет окна лимитера, которые больше не нужны
type BucketCleaner interface {
	Cleanup(now time.Time, grace time.Duration) int
}

// MetricsRecorder снимает системные метрики
type MetricsRecorder interface {
	Record()
}

// Config расписания и ограничения задач
type Config struct {
	TrialSweepSpec string
	CleanupSpec    string
	MetricsSpec    string
	JobTimeout     time.Duration
}

// Scheduler периодические задачи сервиса поверх cron с секундной точностью
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	locker Locker
	log    *logger.Logger
}

// New создает планировщик. Перекрывающиеся запуски одной задачи пропускаются.
func New(cfg Config, locker Locker, log *logger.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cfg:    cfg,
		locker: locker,
		log:    log,
	}
}

// AddTrialSweep регистрирует обход истекших пробных периодов. Обход
// выполняется под блокировкой, чтобы при нескольких экземплярах работал один.
func (s *Scheduler) AddTrialSweep(sweeper TrialSweeper) error {
	return s.add(JobTrialSweep, s.cfg.TrialSweepSpec, func(ctx context.Context) {
		s.SweepTrials(ctx, sweeper)
	})
}

// SweepTrials один запуск обхода
func (s *Scheduler) SweepTrials(ctx context.Context, sweeper TrialSweeper) {
	release, err := s.locker.Acquire(ctx, JobTrialSweep)
	if errors.Is(err, ErrLockHeld) {
		s.log.Debugw("Trial sweep skipped, lock held elsewhere")
		return
	}
	if err != nil {
		s.log.Warnw("Trial sweep skipped", "error", err)
		return
	}
	defer release()

	n, err := sweeper.ExpireTrials(ctx)
	if err != nil {
		s.log.Errorw("Trial sweep failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		s.log.Infow("Trial sweep completed", "expired", n)
	}
}

// AddBucketCleanup регистрирует очистку окон лимитера в памяти
func (s *Scheduler) AddBucketCleanup(cleaner BucketCleaner, grace time.Duration) error {
	return s.add(JobBucketCleanup, s.cfg.CleanupSpec, func(context.Context) {
		if n := cleaner.Cleanup(time.Now(), grace); n > 0 {
			s.log.Debugw("Rate limit buckets cleaned", "removed", n)
		}
	})
}

// AddSystemMetrics регистрирует снятие системных метрик
func (s *Scheduler) AddSystemMetrics(rec MetricsRecorder) error {
	return s.add(JobSystemMetrics, s.cfg.MetricsSpec, func(context.Context) {
		rec.Record()
	})
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context)) error {
	if spec == "" {
		s.log.Infow("Scheduled job disabled", "job", name)
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if s.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()
		}
		run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.log.Infow("Scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Start запускает планировщик в фоне
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infow("Scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop останавливает планировщик и ждет текущие задачи, но не дольше ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger направляет сообщения cron в логгер сервиса
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
