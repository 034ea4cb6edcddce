package handlers

import (
	"fmt"
	"net/http"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/middleware"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// AccountHandler обработчик аккаунта и подписки
type AccountHandler struct {
	ledger *service.SubscriptionLedger
	log    *logger.Logger
}

// NewAccountHandler создает новый обработчик аккаунта
func NewAccountHandler(ledger *service.SubscriptionLedger, log *logger.Logger) *AccountHandler {
	return &AccountHandler{ledger: ledger, log: log}
}

// identity личность из middleware; без нее запрос не должен был дойти до обработчика
func identity(c *gin.Context, log *logger.Logger) (domain.Identity, bool) {
	id, ok := middleware.Identity(c)
	if !ok {
		writeError(c, fmt.Errorf("%w: identity missing in context", domain.ErrUnauthenticated), log)
		return domain.Identity{}, false
	}
	return id, true
}

// Provision создает пользователя и пробную подписку. Повторный вызов возвращает существующую.
func (h *AccountHandler) Provision(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}

	sub, created, err := h.ledger.Provision(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Infow("Account provisioned", "userID", id.UserID, "tier", sub.Tier)
	}
	c.JSON(status, sub)
}

// Delete удаляет аккаунт вместе с устройствами и счетчиками
func (h *AccountHandler) Delete(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	if err := h.ledger.DeleteAccount(c.Request.Context(), id.UserID); err != nil {
		writeError(c, err, h.log)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSubscription возвращает подписку с расходом за месяц и журналом переходов
func (h *AccountHandler) GetSubscription(c *gin.Context) {
	id, ok := identity(c, h.log)
	if !ok {
		return
	}
	sub, err := h.ledger.GetWithHistory(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, sub)
}
