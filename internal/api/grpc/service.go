package grpc

import (
	"context"

	"github.com/Dhoini/license-service/internal/domain"
	"google.golang.org/grpc"
)

// ServiceName полное имя сервиса лицензий
const ServiceName = "license.v1.LicenseService"

// Полные имена методов, как их видят перехватчики
const (
	MethodVerify       = "/" + ServiceName + "/Verify"
	MethodListDevices  = "/" + ServiceName + "/ListDevices"
	MethodRemoveDevice = "/" + ServiceName + "/RemoveDevice"
	MethodCheckUsage   = "/" + ServiceName + "/CheckUsage"
	MethodRecordUsage  = "/" + ServiceName + "/RecordUsage"
)

// VerifyRequest запрос проверки лицензии
type VerifyRequest struct {
	Fingerprint   string            `json:"fingerprint"`
	ClientVersion string            `json:"client_version"`
	Device        domain.DeviceMeta `json:"device"`
}

// VerifyResponse решение по лицензии
type VerifyResponse struct {
	Decision domain.LicenseDecision `json:"decision"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []domain.Device `json:"devices"`
}

type RemoveDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type RemoveDeviceResponse struct{}

// UsageRequest запрос проверки или учета расхода
type UsageRequest struct {
	Metric string `json:"metric"`
	Amount int64  `json:"amount"`
}

type UsageResponse struct {
	Result domain.UsageCheckResult `json:"result"`
}

// LicenseServiceServer методы сервиса лицензий
type LicenseServiceServer interface {
	Verify(context.Context, *VerifyRequest) (*VerifyResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	RemoveDevice(context.Context, *RemoveDeviceRequest) (*RemoveDeviceResponse, error)
	CheckUsage(context.Context, *UsageRequest) (*UsageResponse, error)
	RecordUsage(context.Context, *UsageRequest) (*UsageResponse, error)
}

// RegisterLicenseServiceServer регистрирует реализацию на сервере
func RegisterLicenseServiceServer(s grpc.ServiceRegistrar, srv LicenseServiceServer) {
	s.RegisterService(&licenseServiceDesc, srv)
}

// unaryHandler собирает обработчик метода: декодирует запрос и пропускает
// вызов через цепочку перехватчиков.
func unaryHandler[Req, Resp any](method string, call func(LicenseServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LicenseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LicenseServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var licenseServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LicenseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: unaryHandler(MethodVerify, LicenseServiceServer.Verify)},
		{MethodName: "ListDevices", Handler: unaryHandler(MethodListDevices, LicenseServiceServer.ListDevices)},
		{MethodName: "RemoveDevice", Handler: unaryHandler(MethodRemoveDevice, LicenseServiceServer.RemoveDevice)},
		{MethodName: "CheckUsage", Handler: unaryHandler(MethodCheckUsage, LicenseServiceServer.CheckUsage)},
		{MethodName: "RecordUsage", Handler: unaryHandler(MethodRecordUsage, LicenseServiceServer.RecordUsage)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "license/v1/license.proto",
}
