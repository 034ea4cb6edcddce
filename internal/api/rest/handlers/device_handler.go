package handlers

import (
	"net/http"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// DeviceHandler обработчик управления устройствами
type DeviceHandler struct {
	registry *service.DeviceRegistry
	log      *logger.Logger
}

// NewDeviceHandler создает новый обработчик устройств
func NewDeviceHandler(registry *service.DeviceRegistry, log *logger.Logger) *DeviceHandler {
	return &DeviceHandler{registry: registry, log: log}
}

// List возвращает все устройства пользователя, включая деактивированные
func (h *DeviceHandler) List(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	devices, err := h.registry.ListDevices(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// Remove деактивирует устройство по просьбе пользователя
func (h *DeviceHandler) Remove(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	if err := h.registry.RemoveDevice(c.Request.Context(), id.UserID, c.Param("id")); err != nil {
		writeError(c, err, h.log)
		return
	}
	c.Status(http.StatusNoContent)
}

// Logout принудительно завершает сессии устройства (с лимитом частоты)
func (h *DeviceHandler) Logout(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	if err := h.registry.ForceLogout(c.Request.Context(), id.UserID, c.Param("id")); err != nil {
		writeError(c, err, h.log)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reactivate возвращает деактивированное устройство, если позволяет лимит
func (h *DeviceHandler) Reactivate(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	decision, err := h.registry.ReactivateDevice(c.Request.Context(), id.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	if decision.Kind == domain.DeviceLimitExceeded {
		c.JSON(http.StatusConflict, gin.H{
			"status":         decision.Kind,
			"active_devices": domain.DeviceViews(decision.ActiveDevices),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": decision.Kind, "device": decision.Device})
}
