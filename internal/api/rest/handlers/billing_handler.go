package handlers

import (
	"net/http"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/req"
	"github.com/gin-gonic/gin"
)

// CheckoutRequest тело запроса покупки
type CheckoutRequest struct {
	Tier string `json:"tier" validate:"required"`
}

// BillingHandler обработчик оплаты
type BillingHandler struct {
	billing *service.Billing
	log     *logger.Logger
}

// NewBillingHandler создает новый обработчик оплаты
func NewBillingHandler(billing *service.Billing, log *logger.Logger) *BillingHandler {
	return &BillingHandler{billing: billing, log: log}
}

// Checkout создает страницу оплаты и возвращает ее адрес
func (h *BillingHandler) Checkout(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	body, err := req.HandleBody[CheckoutRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	session, err := h.billing.StartCheckout(c.Request.Context(), id, domain.Tier(body.Tier))
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusCreated, session)
}
