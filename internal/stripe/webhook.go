package stripe

import (
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader заголовок, в котором Stripe передает подпись
const SignatureHeader = "Stripe-Signature"

// WebhookVerifier проверяет подпись вебхука и приводит событие к виду ядра
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	mapper    *Mapper
	log       *logger.Logger
}

// NewWebhookVerifier создает проверяющего подпись вебхуков
func NewWebhookVerifier(secret string, mapper *Mapper, log *logger.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		mapper:    mapper,
		log:       log,
	}
}

// Verify проверяет подпись и разбирает событие.
// Ошибка подписи оборачивает domain.ErrWebhookValidationFailed.
func (v *WebhookVerifier) Verify(payload []byte, signature string) (domain.PaymentEvent, error) {
	if signature == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: no Stripe signature in request", domain.ErrWebhookValidationFailed)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		v.log.Warnw("Webhook signature verification failed", "error", err)
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrWebhookValidationFailed, err)
	}

	ev, err := v.mapper.Map(event)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	v.log.Debugw("Received Stripe webhook event", "eventID", ev.ID, "type", ev.RawType)
	return ev, nil
}

// rawEvent нужен мапперу и тестам: тип и объект события
func rawEvent(e stripe.Event) (string, []byte) {
	if e.Data == nil {
		return string(e.Type), nil
	}
	return string(e.Type), e.Data.Raw
}
