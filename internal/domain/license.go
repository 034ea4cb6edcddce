package domain

import "time"

// LicenseStatus итог проверки лицензии
type LicenseStatus string

const (
	LicenseValid               LicenseStatus = "valid"
	LicenseNoSubscription      LicenseStatus = "no_subscription"
	LicenseExpired             LicenseStatus = "expired"
	LicenseTrialExpired        LicenseStatus = "trial_expired"
	LicenseCancelled           LicenseStatus = "cancelled"
	LicenseDeviceConflict      LicenseStatus = "device_conflict"
	LicenseDeviceDeactivated   LicenseStatus = "device_deactivated"
	LicenseDeviceLimitExceeded LicenseStatus = "device_limit_exceeded"
	LicenseRateLimited         LicenseStatus = "rate_limited"
)

// Действия, которые клиент может предложить пользователю
const (
	ActionUpgrade       = "upgrade"
	ActionResubscribe   = "resubscribe"
	ActionRenew         = "renew"
	ActionUpdatePayment = "update_payment"
	ActionRemoveDevice  = "remove_device"
	ActionReactivate    = "reactivate_device"
	ActionContact       = "contact_support"
	ActionRetryLater    = "retry_later"
)

// Remediation подсказка пользователю, как восстановить доступ
type Remediation struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// LicenseDecision ответ проверки лицензии
type LicenseDecision struct {
	Status        LicenseStatus `json:"status"`
	Token         string        `json:"token,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	DeviceID      string        `json:"device_id,omitempty"`
	Tier          Tier          `json:"tier,omitempty"`
	Features      []string      `json:"features,omitempty"`
	Remediation   *Remediation  `json:"remediation,omitempty"`
	ActiveDevices []DeviceView  `json:"active_devices,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	RetryAfter    int           `json:"retry_after_seconds,omitempty"`
}

// UsageCheckResult ответ для конвейера обработки медиа
type UsageCheckResult struct {
	Allowed      bool        `json:"allowed"`
	Metric       UsageMetric `json:"metric"`
	CurrentUsage int64       `json:"current_usage"`
	Limit        int64       `json:"limit"`
}
