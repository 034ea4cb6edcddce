package repository

import (
	"context"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
)

// Store общее транзакционное хранилище ядра.
// Все изменения, затрагивающие несколько сущностей, выполняются через Atomic.
type Store interface {
	// Atomic выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	ListHistory(ctx context.Context, userID string) ([]domain.HistoryEntry, error)
	ListDevices(ctx context.Context, userID string) ([]domain.Device, error)
	GetUsage(ctx context.Context, userID string, period time.Time) (domain.UsageCounters, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEventRecord, error)
	// ListExpiredTrials возвращает пользователей, у которых now > trial_ends_at
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close()
}

// Tx операции внутри транзакции
type Tx interface {
	// CreateUser возвращает false, если пользователь уже существует
	CreateUser(ctx context.Context, user domain.User) (bool, error)
	// DeleteUser удаляет пользователя вместе с подпиской, устройствами и счетчиками
	DeleteUser(ctx context.Context, userID string) error

	// GetSubscriptionForUpdate блокирует подписку до конца транзакции
	GetSubscriptionForUpdate(ctx context.Context, userID string) (*domain.Subscription, error)
	GetSubscriptionByCustomerForUpdate(ctx context.Context, customerID string) (*domain.Subscription, error)
	InsertSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	AppendHistory(ctx context.Context, userID string, entry domain.HistoryEntry) error

	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	// ListActiveDevices возвращает активные устройства, самые давно виденные первыми
	ListActiveDevices(ctx context.Context, userID string) ([]domain.Device, error)
	InsertDevice(ctx context.Context, device *domain.Device) error
	UpdateDevice(ctx context.Context, device *domain.Device) error

	// ClaimWebhookEvent создает маркер события или перезахватывает маркер в статусе failed.
	// false означает, что событие уже обработано или обрабатывается.
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string, now time.Time) (bool, error)
	CompleteWebhookEvent(ctx context.Context, eventID string, now time.Time) error
	// RecordWebhookFailure сохраняет маркер в статусе failed, не трогая завершенные
	RecordWebhookFailure(ctx context.Context, eventID, eventType, lastErr string, now time.Time) error

	// IncrementUsage атомарно увеличивает счетчик, если результат не превысит limit (-1 = без лимита).
	// Возвращает значение счетчика и признак применения.
	IncrementUsage(ctx context.Context, userID string, period time.Time, metric domain.UsageMetric, amount, limit int64) (int64, bool, error)
	GetUsage(ctx context.Context, userID string, period time.Time) (domain.UsageCounters, error)
}
