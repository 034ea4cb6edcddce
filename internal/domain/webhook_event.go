package domain

import "time"

// WebhookEventStatus статус обработки вебхука
type WebhookEventStatus string

const (
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookCompleted  WebhookEventStatus = "completed"
	WebhookFailed     WebhookEventStatus = "failed"
)

// WebhookEventRecord маркер идемпотентности, ключ это id события у провайдера
type WebhookEventRecord struct {
	EventID   string             `json:"event_id"`
	EventType string             `json:"event_type"`
	Status    WebhookEventStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PaymentEventType тип события платежного провайдера в терминах ядра
type PaymentEventType string

const (
	EventCheckoutCompleted       PaymentEventType = "checkout_completed"
	EventSubscriptionCreated     PaymentEventType = "subscription_created"
	EventSubscriptionUpdated     PaymentEventType = "subscription_updated"
	EventSubscriptionCancelled   PaymentEventType = "subscription_cancelled"
	EventInvoicePaymentFailed    PaymentEventType = "invoice_payment_failed"
	EventInvoicePaymentSucceeded PaymentEventType = "invoice_payment_succeeded"
	EventChargeRefunded          PaymentEventType = "charge_refunded"
	EventUnknown                 PaymentEventType = "unknown"
)

// CheckoutMode вид покупки
type CheckoutMode string

const (
	CheckoutOneTime   CheckoutMode = "one_time"
	CheckoutRecurring CheckoutMode = "recurring"
)

// PaymentEvent событие провайдера, приведенное к независимому от провайдера виду
type PaymentEvent struct {
	ID          string
	Type        PaymentEventType
	RawType     string
	Created     time.Time
	UserID      string
	CustomerID  string
	ProviderSub string
	Tier        Tier
	Mode        CheckoutMode
	// ProviderStatus статус подписки у провайдера (active, trialing, past_due, ...)
	ProviderStatus    string
	CancelAtPeriodEnd bool
	Period            Period
	Amount            int64
	AmountRefunded    int64
}

// FullRefund сообщает, что возвращена вся сумма платежа
func (e PaymentEvent) FullRefund() bool {
	return e.Amount > 0 && e.AmountRefunded >= e.Amount
}

// EntitlementChange событие об изменении прав пользователя для внешних потребителей
type EntitlementChange struct {
	UserID    string             `json:"user_id"`
	Tier      Tier               `json:"tier"`
	Status    SubscriptionStatus `json:"status"`
	Features  []string           `json:"features"`
	Cause     string             `json:"cause"`
	EventID   string             `json:"event_id,omitempty"`
	ChangedAt time.Time          `json:"changed_at"`
}
