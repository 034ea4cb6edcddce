package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/req"
)

// errDeviceTaken устройство зарегистрировано параллельно другим пользователем
var errDeviceTaken = errors.New("device registered concurrently by another account")

// DeviceRegistry привязывает хеши отпечатков к пользователям и следит
// за лимитом устройств тарифа.
type DeviceRegistry struct {
	store   repository.Store
	hasher  *FingerprintHasher
	limiter RateLimiter
	revoker SessionRevoker
	opts    options
	log     *logger.Logger
}

// NewDeviceRegistry создает реестр устройств
func NewDeviceRegistry(
	store repository.Store,
	hasher *FingerprintHasher,
	limiter RateLimiter,
	revoker SessionRevoker,
	log *logger.Logger,
	opts ...Option,
) *DeviceRegistry {
	return &DeviceRegistry{
		store:   store,
		hasher:  hasher,
		limiter: limiter,
		revoker: revoker,
		opts:    buildOptions(opts),
		log:     log,
	}
}

// DeviceID возвращает deviceId для сырого отпечатка
func (r *DeviceRegistry) DeviceID(fingerprint string) (string, error) {
	return r.hasher.Hash(fingerprint)
}

// VerifyOrRegister узнает устройство пользователя или регистрирует новое.
// Устройство другого пользователя всегда дает conflict, владелец не раскрывается.
// Активность подписки проверяется по строке, заблокированной в транзакции,
// а решение несет эту копию.
func (r *DeviceRegistry) VerifyOrRegister(ctx context.Context, userID, fingerprint string, meta domain.DeviceMeta) (domain.DeviceDecision, error) {
	deviceID, err := r.hasher.Hash(fingerprint)
	if err != nil {
		return domain.DeviceDecision{}, err
	}
	if err := req.IsValid(meta); err != nil {
		return domain.DeviceDecision{}, fmt.Errorf("%w: device metadata: %v", domain.ErrInvalidArgument, err)
	}

	now := r.opts.now().UTC()
	var (
		decision domain.DeviceDecision
		locked   *domain.Subscription
	)
	err = r.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		// порядок блокировок: сначала подписка, потом устройство
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		locked = sub
		if !domain.IsActive(sub, now) {
			decision = domain.DeviceDecision{Kind: domain.DeviceSubscriptionInactive}
			return nil
		}

		existing, err := tx.GetDevice(ctx, deviceID)
		switch {
		case err == nil:
			decision, err = r.verifyExisting(ctx, tx, sub, existing, meta, now)
			return err
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		active, err := r.reconcile(ctx, tx, sub)
		if err != nil {
			return err
		}
		if sub.MaxDevices != domain.UnlimitedDevices && len(active) >= sub.MaxDevices {
			decision = domain.DeviceDecision{Kind: domain.DeviceLimitExceeded, ActiveDevices: active}
			return nil
		}

		device := &domain.Device{
			ID:         deviceID,
			UserID:     userID,
			Name:       meta.Name,
			Platform:   meta.Platform,
			AppVersion: meta.AppVersion,
			IsActive:   true,
			FirstSeen:  now,
			LastSeen:   now,
		}
		if err := tx.InsertDevice(ctx, device); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				return errDeviceTaken
			}
			return err
		}

		sub.ActiveDeviceCount = len(active) + 1
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		decision = domain.DeviceDecision{Kind: domain.DeviceRegistered, Device: device}
		return nil
	})
	if errors.Is(err, errDeviceTaken) {
		r.log.Warnw("Device fingerprint claimed by another account", "userID", userID, "deviceID", deviceID)
		return domain.DeviceDecision{Kind: domain.DeviceConflict, Subscription: locked}, nil
	}
	if err != nil {
		return domain.DeviceDecision{}, fmt.Errorf("verify device: %w", err)
	}

	decision.Subscription = locked
	if decision.Kind == domain.DeviceRegistered {
		r.log.Infow("Device registered", "userID", userID, "deviceID", deviceID, "platform", meta.Platform)
	}
	return decision, nil
}

func (r *DeviceRegistry) verifyExisting(ctx context.Context, tx repository.Tx, sub *domain.Subscription, d *domain.Device, meta domain.DeviceMeta, now time.Time) (domain.DeviceDecision, error) {
	if d.UserID != sub.UserID {
		r.log.Warnw("Device fingerprint belongs to another account", "userID", sub.UserID, "deviceID", d.ID)
		return domain.DeviceDecision{Kind: domain.DeviceConflict}, nil
	}
	if !d.IsActive {
		return domain.DeviceDecision{Kind: domain.DeviceDeactivated, Device: d, Reason: d.DeactivationReason}, nil
	}

	d.LastSeen = now
	if meta.Name != "" {
		d.Name = meta.Name
	}
	if meta.Platform != "" {
		d.Platform = meta.Platform
	}
	if meta.AppVersion != "" {
		d.AppVersion = meta.AppVersion
	}
	if err := tx.UpdateDevice(ctx, d); err != nil {
		return domain.DeviceDecision{}, err
	}
	if _, err := r.reconcile(ctx, tx, sub); err != nil {
		return domain.DeviceDecision{}, err
	}
	return domain.DeviceDecision{Kind: domain.DeviceKnown, Device: d}, nil
}

// reconcile сверяет сохраненный счетчик с фактическим числом активных
// устройств и чинит расхождение в той же транзакции.
func (r *DeviceRegistry) reconcile(ctx context.Context, tx repository.Tx, sub *domain.Subscription) ([]domain.Device, error) {
	active, err := tx.ListActiveDevices(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	if sub.ActiveDeviceCount != len(active) {
		r.log.Errorw("Active device count mismatch, healing",
			"userID", sub.UserID,
			"stored", sub.ActiveDeviceCount,
			"actual", len(active),
			"error", domain.ErrInvariantViolation,
		)
		r.opts.metrics.RecordInvariantViolation("active_device_count")
		sub.ActiveDeviceCount = len(active)
		sub.UpdatedAt = r.opts.now().UTC()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// RemoveDevice деактивирует устройство по запросу владельца
func (r *DeviceRegistry) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	return r.deactivate(ctx, userID, deviceID, domain.ReasonRemovedByUser)
}

// ForceLogout удаленный выход на устройстве, ограничен по частоте
func (r *DeviceRegistry) ForceLogout(ctx context.Context, userID, deviceID string) error {
	res := r.limiter.Check(ctx, userID, ratelimit.ActionDeviceForceLogout)
	if !res.Permitted() {
		return &domain.RateLimitError{Action: ratelimit.ActionDeviceForceLogout, RetryAfter: res.RetryAfter}
	}
	return r.deactivate(ctx, userID, deviceID, domain.ReasonRemoteLogout)
}

func (r *DeviceRegistry) deactivate(ctx context.Context, userID, deviceID, reason string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", domain.ErrInvalidArgument)
	}

	now := r.opts.now().UTC()
	var rev domain.SessionRevocation
	err := r.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		d, err := ownedDevice(ctx, tx, userID, deviceID)
		if err != nil {
			return err
		}

		if !d.IsActive {
			// повторное удаление заново отправляет отзыв сессий
			rev = domain.SessionRevocation{UserID: userID, DeviceID: deviceID, Reason: reason, At: now}
			return nil
		}
		if rev, err = deactivateDevice(ctx, tx, *d, reason, now); err != nil {
			return err
		}

		active, err := tx.ListActiveDevices(ctx, userID)
		if err != nil {
			return err
		}
		sub.ActiveDeviceCount = len(active)
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}

	r.log.Infow("Device deactivated", "userID", userID, "deviceID", deviceID, "reason", reason)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err = r.revoker.RevokeDeviceSessions(ctx, rev)
	r.opts.metrics.RecordRevocation(reason, err == nil)
	if err != nil {
		r.log.Errorw("Failed to deliver session revocation", "userID", userID, "deviceID", deviceID, "error", err)
		return domain.NewTransientError("revoke device sessions", err)
	}
	return nil
}

// ReactivateDevice явно включает ранее деактивированное устройство.
// Подчиняется лимиту устройств, как и регистрация.
func (r *DeviceRegistry) ReactivateDevice(ctx context.Context, userID, deviceID string) (domain.DeviceDecision, error) {
	if deviceID == "" {
		return domain.DeviceDecision{}, fmt.Errorf("%w: device id is required", domain.ErrInvalidArgument)
	}

	now := r.opts.now().UTC()
	var decision domain.DeviceDecision
	err := r.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		d, err := ownedDevice(ctx, tx, userID, deviceID)
		if err != nil {
			return err
		}

		active, err := r.reconcile(ctx, tx, sub)
		if err != nil {
			return err
		}
		if d.IsActive {
			decision = domain.DeviceDecision{Kind: domain.DeviceKnown, Device: d}
			return nil
		}
		if sub.MaxDevices != domain.UnlimitedDevices && len(active) >= sub.MaxDevices {
			decision = domain.DeviceDecision{Kind: domain.DeviceLimitExceeded, ActiveDevices: active}
			return nil
		}

		d.IsActive = true
		d.DeactivationReason = ""
		d.DeactivatedAt = nil
		d.LastSeen = now
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return err
		}
		sub.ActiveDeviceCount = len(active) + 1
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		decision = domain.DeviceDecision{Kind: domain.DeviceRegistered, Device: d}
		return nil
	})
	if err != nil {
		return domain.DeviceDecision{}, fmt.Errorf("reactivate device: %w", err)
	}
	if decision.Kind == domain.DeviceRegistered {
		r.log.Infow("Device reactivated", "userID", userID, "deviceID", deviceID)
	}
	return decision, nil
}

// ListDevices возвращает все устройства пользователя, активные и нет
func (r *DeviceRegistry) ListDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	devices, err := r.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

func ownedDevice(ctx context.Context, tx repository.Tx, userID, deviceID string) (*domain.Device, error) {
	d, err := tx.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, fmt.Errorf("%w: device is not registered to this account", domain.ErrPermissionDenied)
	}
	return d, nil
}
