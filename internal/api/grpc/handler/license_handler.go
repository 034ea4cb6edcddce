package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	licensegrpc "github.com/Dhoini/license-service/internal/api/grpc"
	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/middleware"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// LicenseHandler реализация gRPC сервиса лицензий поверх ядра
type LicenseHandler struct {
	verifier *service.LicenseVerifier
	registry *service.DeviceRegistry
	usage    *service.UsageTracker
	log      *logger.Logger
}

// NewLicenseHandler создает новый обработчик сервиса лицензий
func NewLicenseHandler(verifier *service.LicenseVerifier, registry *service.DeviceRegistry, usage *service.UsageTracker, log *logger.Logger) *LicenseHandler {
	return &LicenseHandler{
		verifier: verifier,
		registry: registry,
		usage:    usage,
		log:      log,
	}
}

var _ licensegrpc.LicenseServiceServer = (*LicenseHandler)(nil)

// Verify проверяет лицензию. Отказ возвращается решением, кроме rate_limited,
// для которого дополнительно выставляется trailer retry-after.
func (h *LicenseHandler) Verify(ctx context.Context, req *licensegrpc.VerifyRequest) (*licensegrpc.VerifyResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	decision, err := h.verifier.Verify(ctx, service.VerifyRequest{
		Identity:      id,
		Fingerprint:   req.Fingerprint,
		Device:        req.Device,
		ClientVersion: req.ClientVersion,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	if decision.Status == domain.LicenseRateLimited {
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.Itoa(decision.RetryAfter)))
	}
	return &licensegrpc.VerifyResponse{Decision: decision}, nil
}

// ListDevices возвращает устройства пользователя
func (h *LicenseHandler) ListDevices(ctx context.Context, _ *licensegrpc.ListDevicesRequest) (*licensegrpc.ListDevicesResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := h.registry.ListDevices(ctx, id.UserID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &licensegrpc.ListDevicesResponse{Devices: devices}, nil
}

// RemoveDevice деактивирует устройство пользователя
func (h *LicenseHandler) RemoveDevice(ctx context.Context, req *licensegrpc.RemoveDeviceRequest) (*licensegrpc.RemoveDeviceResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.registry.RemoveDevice(ctx, id.UserID, req.DeviceID); err != nil {
		return nil, h.toStatus(err)
	}
	return &licensegrpc.RemoveDeviceResponse{}, nil
}

// CheckUsage отвечает, поместится ли расход в лимит
func (h *LicenseHandler) CheckUsage(ctx context.Context, req *licensegrpc.UsageRequest) (*licensegrpc.UsageResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}
	result, err := h.usage.Check(ctx, id.UserID, domain.UsageMetric(req.Metric), amount)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &licensegrpc.UsageResponse{Result: result}, nil
}

// RecordUsage учитывает расход
func (h *LicenseHandler) RecordUsage(ctx context.Context, req *licensegrpc.UsageRequest) (*licensegrpc.UsageResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	result, err := h.usage.Record(ctx, id.UserID, domain.UsageMetric(req.Metric), req.Amount)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &licensegrpc.UsageResponse{Result: result}, nil
}

func identity(ctx context.Context) (domain.Identity, error) {
	id, ok := middleware.IdentityFromContext(ctx)
	if !ok || id.UserID == "" {
		return domain.Identity{}, status.Error(codes.Unauthenticated, "identity is required")
	}
	return id, nil
}

// toStatus переводит ошибку ядра в gRPC статус
func (h *LicenseHandler) toStatus(err error) error {
	var (
		verrs domain.ValidationErrors
		rlErr *domain.RateLimitError
	)
	switch {
	case errors.As(err, &verrs):
		return status.Error(codes.InvalidArgument, verrs.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, "permission denied")
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicate):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.As(err, &rlErr):
		seconds := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		return status.Error(codes.ResourceExhausted, fmt.Sprintf("rate limited, retry after %ds", seconds))
	case errors.Is(err, domain.ErrTransient):
		return status.Error(codes.Unavailable, "temporarily unavailable, try again")
	}
	h.log.Errorw("gRPC request failed", "error", err)
	return status.Error(codes.Internal, "internal error")
}
