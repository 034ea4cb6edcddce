package interceptors

import (
	"context"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Logging логирует каждый unary вызов с кодом ответа и длительностью
func Logging(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []interface{}{"method", info.FullMethod, "code", code.String(), "latency", time.Since(start)}
		switch code {
		case codes.OK, codes.NotFound, codes.InvalidArgument, codes.AlreadyExists,
			codes.Unauthenticated, codes.PermissionDenied, codes.ResourceExhausted:
			log.Debugw("gRPC call handled", fields...)
		default:
			log.Errorw("gRPC call failed", append(fields, "error", err)...)
		}
		return resp, err
	}
}
