package domain

import "time"

// Причины деактивации устройства
const (
	ReasonRemovedByUser    = "removed_by_user"
	ReasonRemoteLogout     = "remote_logout"
	ReasonLimitEviction    = "device_limit_eviction"
	ReasonRefundRevocation = "refund_revocation"
)

// Device устройство, привязанное к пользователю.
// ID это односторонний хеш отпечатка, сырой отпечаток не хранится.
type Device struct {
	ID                 string     `json:"device_id"`
	UserID             string     `json:"-"`
	Name               string     `json:"name"`
	Platform           string     `json:"platform"`
	AppVersion         string     `json:"app_version,omitempty"`
	IsActive           bool       `json:"is_active"`
	FirstSeen          time.Time  `json:"first_seen"`
	LastSeen           time.Time  `json:"last_seen"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
}

// DeviceMeta метаданные, которые присылает клиент
type DeviceMeta struct {
	Name       string `json:"name" validate:"max=128"`
	Platform   string `json:"platform" validate:"max=64"`
	AppVersion string `json:"app_version" validate:"max=64"`
}

// DeviceView представление устройства для интерфейса управления аккаунтом
type DeviceView struct {
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name"`
	Platform string    `json:"platform"`
	LastSeen time.Time `json:"last_seen"`
	IsActive bool      `json:"is_active"`
}

// View возвращает представление устройства
func (d Device) View() DeviceView {
	return DeviceView{
		DeviceID: d.ID,
		Name:     d.Name,
		Platform: d.Platform,
		LastSeen: d.LastSeen,
		IsActive: d.IsActive,
	}
}

// DeviceViews преобразует список устройств
func DeviceViews(devices []Device) []DeviceView {
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.View())
	}
	return out
}

// DeviceDecisionKind результат проверки устройства
type DeviceDecisionKind string

const (
	DeviceKnown                DeviceDecisionKind = "known"
	DeviceRegistered           DeviceDecisionKind = "registered"
	DeviceConflict             DeviceDecisionKind = "conflict"
	DeviceDeactivated          DeviceDecisionKind = "deactivated"
	DeviceLimitExceeded        DeviceDecisionKind = "limit_exceeded"
	// подписка неактивна на момент блокировки, устройство не тронуто
	DeviceSubscriptionInactive DeviceDecisionKind = "subscription_inactive"
)

// DeviceDecision результат VerifyOrRegister
type DeviceDecision struct {
	Kind          DeviceDecisionKind
	Device        *Device
	Reason        string
	ActiveDevices []Device
	// Subscription копия подписки, заблокированная в транзакции решения
	Subscription *Subscription
}

// Ok сообщает, что устройство можно использовать
func (d DeviceDecision) Ok() bool {
	return d.Kind == DeviceKnown || d.Kind == DeviceRegistered
}

// SessionRevocation намерение отозвать все сессии устройства
type SessionRevocation struct {
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
