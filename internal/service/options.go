package service

import (
	"context"
	"time"

	"github.com/Dhoini/license-service/internal/metrics"
	"github.com/Dhoini/license-service/internal/ratelimit"
)

type options struct {
	now     func() time.Time
	metrics metrics.LicenseMetrics
}

// Option общая настройка сервисов
type Option func(*options)

// WithClock подменяет часы (для тестов)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics подключает prometheus метрики
func WithMetrics(m metrics.LicenseMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RateLimiter проверка лимита частоты
type RateLimiter interface {
	Check(ctx context.Context, subject, action string) ratelimit.Result
}
