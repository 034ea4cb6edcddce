package interceptors

import (
	"context"

	"github.com/Dhoini/license-service/internal/middleware" // Используем тот же пакет для ключа контекста
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type AuthInterceptor struct {
	log       *logger.Logger
	validator token.IdentityValidator
	// public методы, которые не требуют токена (health, reflection)
	public map[string]bool
}

func NewAuthInterceptor(log *logger.Logger, validator token.IdentityValidator, publicMethods ...string) *AuthInterceptor {
	public := make(map[string]bool, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = true
	}
	return &AuthInterceptor{
		log:       log,
		validator: validator,
		public:    public,
	}
}

// Unary возвращает UnaryServerInterceptor для проверки identity токена.
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if i.public[info.FullMethod] {
			return handler(ctx, req)
		}
		newCtx, err := i.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(newCtx, req)
	}
}

func (i *AuthInterceptor) authenticate(ctx context.Context, method string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		i.log.Warnw("gRPC auth: missing metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		i.log.Warnw("gRPC auth: missing authorization header", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	tokenString, ok := middleware.BearerToken(authHeaders[0])
	if !ok {
		i.log.Warnw("gRPC auth: invalid authorization header format", "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	id, err := i.validator.Validate(tokenString)
	if err != nil {
		i.log.Warnw("gRPC auth: invalid token", "method", method, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	i.log.Debugw("User authenticated via gRPC", "userID", id.UserID, "method", method)
	return middleware.WithIdentity(ctx, id), nil
}
