package service

import (
	"context"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
)

// SessionRevoker доставляет намерение отозвать сессии устройства
type SessionRevoker interface {
	RevokeDeviceSessions(ctx context.Context, rev domain.SessionRevocation) error
}

// EntitlementPublisher публикует изменения прав пользователя
type EntitlementPublisher interface {
	PublishEntitlementChange(ctx context.Context, change domain.EntitlementChange) error
}

// LogNotifier пишет события только в лог. Используется, когда Kafka не настроена.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier создает LogNotifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) RevokeDeviceSessions(_ context.Context, rev domain.SessionRevocation) error {
	n.log.Infow("Device sessions revoked", "userID", rev.UserID, "deviceID", rev.DeviceID, "reason", rev.Reason)
	return nil
}

func (n *LogNotifier) PublishEntitlementChange(_ context.Context, change domain.EntitlementChange) error {
	n.log.Infow("Entitlement changed",
		"userID", change.UserID,
		"tier", change.Tier,
		"status", change.Status,
		"cause", change.Cause,
	)
	return nil
}
