package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/res"

	"github.com/gin-gonic/gin"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextIdentityKey ключ проверенной личности (используется HTTP middleware и gRPC interceptor).
	ContextIdentityKey ContextKey = "identity"
	authHeaderPrefix              = "Bearer "
)

// WithIdentity кладет личность в context.Context
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, ContextIdentityKey, id)
}

// IdentityFromContext достает личность, положенную WithIdentity
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ContextIdentityKey).(domain.Identity)
	return id, ok && id.UserID != ""
}

// Identity возвращает личность из gin контекста
func Identity(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(string(ContextIdentityKey))
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok && id.UserID != ""
}

// BearerToken извлекает токен из значения заголовка Authorization
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, authHeaderPrefix) {
		return "", false
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, authHeaderPrefix))
	return tokenString, tokenString != ""
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator token.IdentityValidator
}

func NewJWTMiddleware(log *logger.Logger, validator token.IdentityValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireAuth пропускает запрос с действительным identity токеном.
// Если заданы scopes, токен должен содержать хотя бы один из них.
func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			m.handleAuthError(c, http.StatusUnauthorized, "unauthenticated", "Missing authorization token")
			return
		}

		id, err := m.validator.Validate(tokenString)
		if err != nil {
			m.log.Debugw("Token validation failed", "path", c.Request.URL.Path, "error", err)
			m.handleAuthError(c, http.StatusUnauthorized, "unauthenticated", "Invalid authorization token")
			return
		}

		if !hasRequiredScope(id, requiredScopes) {
			m.handleAuthError(c, http.StatusForbidden, "permission_denied", "Insufficient token permissions")
			return
		}

		c.Set(string(ContextIdentityKey), id)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		m.log.Debugw("User authenticated via HTTP", "userID", id.UserID)
		c.Next()
	}
}

func hasRequiredScope(id domain.Identity, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}
	for _, scope := range requiredScopes {
		if id.HasScope(scope) {
			return true
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, status int, code, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "status", status, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: code,
	}, status)
	c.Abort()
}
