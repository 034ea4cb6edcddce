package domain

import (
	"fmt"
	"time"
)

// Tier тариф подписки
type Tier string

const (
	TierTrial      Tier = "trial"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierLifetime   Tier = "lifetime"
)

// Tiers перечисляет все известные тарифы
var Tiers = []Tier{TierTrial, TierBasic, TierPro, TierEnterprise, TierLifetime}

// ParseTier проверяет имя тарифа
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, s)
}

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
	StatusRefunded  SubscriptionStatus = "refunded"
)

// UnlimitedDevices означает отсутствие ограничения на число устройств
const UnlimitedDevices = -1

// UsageMetric вид потребления с месячным лимитом
type UsageMetric string

const (
	MetricExports       UsageMetric = "exports"
	MetricTTSMinutes    UsageMetric = "tts_minutes"
	MetricAIGenerations UsageMetric = "ai_generations"
)

// UsageMetrics перечисляет все учитываемые метрики
var UsageMetrics = []UsageMetric{MetricExports, MetricTTSMinutes, MetricAIGenerations}

// ParseUsageMetric проверяет имя метрики
func ParseUsageMetric(s string) (UsageMetric, error) {
	for _, m := range UsageMetrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown usage metric %q", ErrInvalidArgument, s)
}

// UsageCounters счетчики потребления за месяц, либо лимиты (-1 = без лимита)
type UsageCounters map[UsageMetric]int64

// Clone возвращает копию счетчиков
func (u UsageCounters) Clone() UsageCounters {
	out := make(UsageCounters, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// User пользователь, идентифицированный внешним слоем аутентификации
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity проверенная личность вызывающего
type Identity struct {
	UserID     string
	Email      string
	VerifiedAt time.Time
	Scopes     []string
}

// HasScope проверяет наличие права
func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Subscription представляет подписку пользователя (одна на пользователя)
type Subscription struct {
	UserID                 string             `json:"user_id"`
	Tier                   Tier               `json:"tier"`
	Status                 SubscriptionStatus `json:"status"`
	TrialEndsAt            *time.Time         `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	MaxDevices             int                `json:"max_devices"`
	ActiveDeviceCount      int                `json:"active_device_count"`
	Features               []string           `json:"features"`
	UsageLimits            UsageCounters      `json:"usage_limits"`
	UsageThisMonth         UsageCounters      `json:"usage_this_month,omitempty"`
	History                []HistoryEntry     `json:"history,omitempty"`
	ProviderCustomerID     string             `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Clone возвращает глубокую копию подписки
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialEndsAt = cloneTime(s.TrialEndsAt)
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.LastEventAt = cloneTime(s.LastEventAt)
	c.Features = append([]string(nil), s.Features...)
	if s.UsageLimits != nil {
		c.UsageLimits = s.UsageLimits.Clone()
	}
	if s.UsageThisMonth != nil {
		c.UsageThisMonth = s.UsageThisMonth.Clone()
	}
	c.History = append([]HistoryEntry(nil), s.History...)
	return &c
}

// HasFeature проверяет наличие функции в тарифе
func (s *Subscription) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// IsActive возвращает true, если подписка дает доступ в момент now.
// Отмененная подписка действует до конца оплаченного периода.
func IsActive(s *Subscription, now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive:
		if TrialExpired(s, now) {
			return false
		}
		return s.CurrentPeriodEnd == nil || !now.After(*s.CurrentPeriodEnd)
	case StatusCancelled:
		return s.CurrentPeriodEnd != nil && !now.After(*s.CurrentPeriodEnd)
	default:
		return false
	}
}

// TrialExpired единственный предикат истечения пробного периода.
// Его используют и ленивое истечение при чтении, и плановая очистка.
func TrialExpired(s *Subscription, now time.Time) bool {
	return s.Status == StatusActive && s.TrialEndsAt != nil && now.After(*s.TrialEndsAt)
}

// HistoryEntry запись журнала переходов жизненного цикла подписки
type HistoryEntry struct {
	ID         string             `json:"id"`
	At         time.Time          `json:"at"`
	FromTier   Tier               `json:"from_tier,omitempty"`
	ToTier     Tier               `json:"to_tier"`
	FromStatus SubscriptionStatus `json:"from_status,omitempty"`
	ToStatus   SubscriptionStatus `json:"to_status"`
	Cause      string             `json:"cause"`
	EventID    string             `json:"event_id,omitempty"`
}

// Period оплаченный период; nil End означает бессрочный доступ
type Period struct {
	Start *time.Time
	End   *time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию времени
func TimePtr(t time.Time) *time.Time {
	return &t
}

// MonthStart начало календарного месяца в UTC, ключ периода для счетчиков
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
