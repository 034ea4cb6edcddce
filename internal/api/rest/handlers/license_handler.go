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

// VerifyLicenseRequest тело запроса проверки лицензии
type VerifyLicenseRequest struct {
	Fingerprint   string            `json:"fingerprint" validate:"required"`
	ClientVersion string            `json:"client_version" validate:"required"`
	Device        domain.DeviceMeta `json:"device"`
}

// LicenseHandler обработчик проверки лицензии
type LicenseHandler struct {
	verifier *service.LicenseVerifier
	log      *logger.Logger
}

// NewLicenseHandler создает новый обработчик лицензий
func NewLicenseHandler(verifier *service.LicenseVerifier, log *logger.Logger) *LicenseHandler {
	return &LicenseHandler{verifier: verifier, log: log}
}

// Verify возвращает решение по лицензии. Отказ это тоже 200 с решением,
// кроме rate_limited, который дополнительно отдает Retry-After.
func (h *LicenseHandler) Verify(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	body, err := req.HandleBody[VerifyLicenseRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	decision, err := h.verifier.Verify(c.Request.Context(), service.VerifyRequest{
		Identity:      id,
		Fingerprint:   body.Fingerprint,
		Device:        body.Device,
		ClientVersion: body.ClientVersion,
	})
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	if decision.Status == domain.LicenseRateLimited {
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
	}
	c.JSON(http.StatusOK, decision)
}
