package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
)

// Действия, для которых задан лимит по умолчанию
const (
	ActionLicenseVerify         = "license_verify"
	ActionCheckoutSessionCreate = "checkout_session_create"
	ActionDeviceForceLogout     = "device_force_logout"
)

// Outcome результат проверки лимита
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	// Indeterminate хранилище не ответило, вызывающий пропускает запрос
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "indeterminate"
	}
}

// Result ответ Check
type Result struct {
	Outcome Outcome
	// Remaining оставшиеся запросы в окне, -1 если лимит не задан
	Remaining  int
	RetryAfter time.Duration
	Err        error
}

// Permitted true для Allowed и Indeterminate (fail open)
func (r Result) Permitted() bool {
	return r.Outcome != Denied
}

// RetryAfterSeconds округляет время ожидания вверх до секунд
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Rule лимит для действия
type Rule struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// DefaultRules таблица лимитов по умолчанию
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionLicenseVerify:         {MaxRequests: 60, Window: 60 * time.Second},
		ActionCheckoutSessionCreate: {MaxRequests: 10, Window: 60 * time.Second},
		ActionDeviceForceLogout:     {MaxRequests: 10, Window: 300 * time.Second},
	}
}

// WindowStore атомарное хранилище скользящего окна
type WindowStore interface {
	// Record удаляет метки старше now-window и, если их меньше max, добавляет now.
	// Возвращает признак допуска, число меток после операции и самую старую метку.
	Record(ctx context.Context, key string, now time.Time, window time.Duration, max int) (allowed bool, count int, oldest time.Time, err error)
}

// Recorder получает исходы проверок, например для метрик
type Recorder interface {
	RecordRateLimit(action string, outcome string)
}

// Limiter ограничитель по ключу (субъект, действие)
type Limiter struct {
	store    WindowStore
	rules    map[string]Rule
	timeout  time.Duration
	now      func() time.Time
	recorder Recorder
	log      *logger.Logger
}

// Option настройка Limiter
type Option func(*Limiter)

// WithClock подменяет часы (для тестов)
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithTimeout ограничивает время обращения к хранилищу
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// WithRecorder подключает учет исходов
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// NewLimiter создает ограничитель. Таблица правил копируется и дальше не меняется.
func NewLimiter(store WindowStore, rules map[string]Rule, log *logger.Logger, opts ...Option) *Limiter {
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	l := &Limiter{
		store:   store,
		rules:   copied,
		timeout: 250 * time.Millisecond,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule возвращает правило для действия
func (l *Limiter) Rule(action string) (Rule, bool) {
	r, ok := l.rules[action]
	if !ok || r.MaxRequests <= 0 || r.Window <= 0 {
		return Rule{}, false
	}
	return r, true
}

// Check проверяет и учитывает запрос субъекта
func (l *Limiter) Check(ctx context.Context, subject, action string) Result {
	rule, ok := l.Rule(action)
	if !ok {
		return Result{Outcome: Allowed, Remaining: -1}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	allowed, count, oldest, err := l.store.Record(ctx, key(subject, action), now, rule.Window, rule.MaxRequests)
	if err != nil {
		l.log.Warnw("Rate limit store unavailable, failing open", "action", action, "subject", subject, "error", err)
		l.record(action, Indeterminate)
		return Result{Outcome: Indeterminate, Remaining: -1, Err: err}
	}

	if allowed {
		l.record(action, Allowed)
		return Result{Outcome: Allowed, Remaining: rule.MaxRequests - count}
	}

	retryAfter := oldest.Add(rule.Window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	l.record(action, Denied)
	l.log.Debugw("Rate limit exceeded", "action", action, "subject", subject, "retryAfter", retryAfter)
	return Result{Outcome: Denied, Remaining: 0, RetryAfter: retryAfter}
}

func (l *Limiter) record(action string, o Outcome) {
	if l.recorder != nil {
		l.recorder.RecordRateLimit(action, o.String())
	}
}

func key(subject, action string) string {
	return "ratelimit:" + action + ":" + subject
}
