package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("identity-secret-for-tests")

func sign(t *testing.T, sub, scope string, exp time.Time) string {
	t.Helper()
	s, err := token.SignIdentity(secret, token.IdentityClaims{
		Email: sub + "@example.com",
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	require.NoError(t, err)
	return s
}

func newRouter(scopes ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	m := NewJWTMiddleware(logger.NewNop(), token.NewHMACValidator(secret, token.ValidatorOptions{}))
	r := gin.New()
	r.GET("/me", m.RequireAuth(scopes...), func(c *gin.Context) {
		id, ok := Identity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		fromCtx, _ := IdentityFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user": id.UserID, "ctx_user": fromCtx.UserID})
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	valid := sign(t, "user-1", "license:read", time.Now().Add(time.Hour))
	expired := sign(t, "user-1", "", time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		header string
		scopes []string
		want   int
	}{
		{"valid token", "Bearer " + valid, nil, http.StatusOK},
		{"missing header", "", nil, http.StatusUnauthorized},
		{"no bearer prefix", valid, nil, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, nil, http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", nil, http.StatusUnauthorized},
		{"missing scope", "Bearer " + valid, []string{"license:admin"}, http.StatusForbidden},
		{"scope present", "Bearer " + valid, []string{"license:admin", "license:read"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newRouter(tt.scopes...).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"user":"user-1","ctx_user":"user-1"}`, w.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Bearer   ")
	assert.False(t, ok)
	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
}
