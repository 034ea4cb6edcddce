package metrics

import (
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LicenseMetrics интерфейс для метрик ядра лицензирования
type LicenseMetrics interface {
	RecordDecision(status string)
	ObserveVerifyDuration(d time.Duration)
	RecordWebhook(eventType, outcome string)
	RecordRateLimit(action, outcome string)
	RecordUsage(metric string, allowed bool)
	RecordInvariantViolation(kind string)
	RecordRevocation(reason string, delivered bool)
}

type licenseMetrics struct {
	log                 *logger.Logger
	decisions           *prometheus.CounterVec
	verifyDuration      prometheus.Histogram
	webhooks            *prometheus.CounterVec
	rateLimits          *prometheus.CounterVec
	usage               *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
	revocations         *prometheus.CounterVec
}

// NewLicenseMetrics создает метрики и регистрирует их в registry
func NewLicenseMetrics(registry *prometheus.Registry, log *logger.Logger) LicenseMetrics {
	factory := promauto.With(registry)

	return &licenseMetrics{
		log: log,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_decisions_total",
				Help: "License verification decisions by status",
			},
			[]string{"status"},
		),
		verifyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "license_verify_duration_seconds",
				Help:    "License verification latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_webhook_events_total",
				Help: "Payment webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		rateLimits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_rate_limit_checks_total",
				Help: "Rate limit checks by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		usage: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_usage_records_total",
				Help: "Usage record attempts by metric and result",
			},
			[]string{"metric", "result"},
		),
		invariantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_invariant_violations_total",
				Help: "Detected and healed invariant violations",
			},
			[]string{"kind"},
		),
		revocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_session_revocations_total",
				Help: "Session revocation intents by reason and delivery result",
			},
			[]string{"reason", "delivered"},
		),
	}
}

func (m *licenseMetrics) RecordDecision(status string) {
	m.decisions.WithLabelValues(status).Inc()
}

func (m *licenseMetrics) ObserveVerifyDuration(d time.Duration) {
	m.verifyDuration.Observe(d.Seconds())
}

func (m *licenseMetrics) RecordWebhook(eventType, outcome string) {
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (m *licenseMetrics) RecordRateLimit(action, outcome string) {
	m.rateLimits.WithLabelValues(action, outcome).Inc()
}

func (m *licenseMetrics) RecordUsage(metric string, allowed bool) {
	result := "rejected"
	if allowed {
		result = "accepted"
	}
	m.usage.WithLabelValues(metric, result).Inc()
}

func (m *licenseMetrics) RecordInvariantViolation(kind string) {
	m.invariantViolations.WithLabelValues(kind).Inc()
}

func (m *licenseMetrics) RecordRevocation(reason string, delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	m.revocations.WithLabelValues(reason, label).Inc()
}

// Noop метрики, которые ничего не делают
type Noop struct{}

func (Noop) RecordDecision(string)               {}
func (Noop) ObserveVerifyDuration(time.Duration) {}
func (Noop) RecordWebhook(string, string)        {}
func (Noop) RecordRateLimit(string, string)      {}
func (Noop) RecordUsage(string, bool)            {}
func (Noop) RecordInvariantViolation(string)     {}
func (Noop) RecordRevocation(string, bool)       {}
