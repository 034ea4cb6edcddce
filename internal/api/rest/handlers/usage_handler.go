package handlers

import (
	"net/http"
	"strconv"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/req"
	"github.com/gin-gonic/gin"
)

// RecordUsageRequest тело запроса учета расхода
type RecordUsageRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// UsageHandler обработчик лимитов расхода
type UsageHandler struct {
	usage *service.UsageTracker
	log   *logger.Logger
}

// NewUsageHandler создает новый обработчик расхода
func NewUsageHandler(usage *service.UsageTracker, log *logger.Logger) *UsageHandler {
	return &UsageHandler{usage: usage, log: log}
}

// Check отвечает, поместится ли amount в лимит. По умолчанию amount=1.
func (h *UsageHandler) Check(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}

	amount := int64(1)
	if raw := c.Query("amount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			var verrs domain.ValidationErrors
			verrs.Add("amount", "must be an integer")
			writeError(c, verrs, h.log)
			return
		}
		amount = v
	}

	result, err := h.usage.Check(c.Request.Context(), id.UserID, domain.UsageMetric(c.Param("metric")), amount)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Record учитывает расход. Превышение лимита это ответ allowed=false, а не ошибка.
func (h *UsageHandler) Record(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	body, err := req.HandleBody[RecordUsageRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	result, err := h.usage.Record(c.Request.Context(), id.UserID, domain.UsageMetric(c.Param("metric")), body.Amount)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, result)
}
