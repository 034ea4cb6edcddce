package handlers

import (
	"net/http"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/req"
	"github.com/gin-gonic/gin"
)

// SetTierRequest тело запроса смены тарифа администратором
type SetTierRequest struct {
	Tier      string     `json:"tier" validate:"required"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// AdminHandler административные операции
type AdminHandler struct {
	ledger *service.SubscriptionLedger
	log    *logger.Logger
}

// NewAdminHandler создает новый административный обработчик
func NewAdminHandler(ledger *service.SubscriptionLedger, log *logger.Logger) *AdminHandler {
	return &AdminHandler{ledger: ledger, log: log}
}

// SetTier меняет тариф пользователя в обход платежного провайдера
func (h *AdminHandler) SetTier(c *gin.Context) {
	admin, ok := identity(c, h.log)
	if !ok {
		return
	}
	body, err := req.HandleBody[SetTierRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	t, err := domain.ParseTier(body.Tier)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	var period *domain.Period
	if body.PeriodEnd != nil {
		period = &domain.Period{End: domain.TimePtr(body.PeriodEnd.UTC())}
	}

	userID := c.Param("id")
	sub, err := h.ledger.ApplyTierChange(c.Request.Context(), userID, t, period, service.CauseAdminChange)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	h.log.Infow("Tier changed by admin", "admin", admin.UserID, "userID", userID, "tier", t)
	c.JSON(http.StatusOK, sub)
}
