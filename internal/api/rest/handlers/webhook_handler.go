package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody предел тела вебхука, как рекомендует Stripe
const maxWebhookBody = 65536

// EventVerifier проверяет подпись вебхука и разбирает событие
type EventVerifier interface {
	Verify(payload []byte, signature string) (domain.PaymentEvent, error)
}

// WebhookHandler обработчик для вебхуков
type WebhookHandler struct {
	verifier       EventVerifier
	processor      *service.EventProcessor
	signatureField string
	log            *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(verifier EventVerifier, processor *service.EventProcessor, signatureHeader string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:       verifier,
		processor:      processor,
		signatureField: signatureHeader,
		log:            log,
	}
}

// HandleStripeWebhook проверяет подпись и применяет событие.
// 400 для неверной подписи или неразборчивого события, 500 если событие не применено (провайдер повторит доставку).
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to read webhook body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "failed to read webhook body", ErrorCode: "invalid_argument"}, http.StatusBadRequest)
		return
	}

	ev, err := h.verifier.Verify(payload, c.GetHeader(h.signatureField))
	switch {
	case errors.Is(err, domain.ErrWebhookValidationFailed):
		h.log.Warnw("Failed to verify webhook", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "webhook signature verification failed", ErrorCode: "invalid_signature"}, http.StatusBadRequest)
		return
	case err != nil:
		// подпись верна, но событие не разобрать
		h.log.Errorw("Failed to decode webhook event", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "webhook event could not be decoded", ErrorCode: "invalid_event"}, http.StatusBadRequest)
		return
	}

	result, err := h.processor.Process(c.Request.Context(), ev)
	if err != nil {
		h.log.Errorw("Failed to process webhook event", "eventID", ev.ID, "type", ev.RawType, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:     "failed to process webhook event",
			ErrorCode: "processing_failed",
			Retryable: domain.IsRetryable(err),
		}, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
