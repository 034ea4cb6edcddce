package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// writeError переводит ошибку ядра в HTTP ответ
func writeError(c *gin.Context, err error, log *logger.Logger) {
	var (
		verrs  domain.ValidationErrors
		rlErr  *domain.RateLimitError
		status int
		body   res.ErrorResponse
	)

	switch {
	case errors.As(err, &verrs):
		status = http.StatusBadRequest
		details := make(map[string]string, len(verrs))
		for _, v := range verrs {
			details[v.Field] = v.Message
		}
		body = res.ErrorResponse{Error: "invalid request data", ErrorCode: "invalid_argument", Details: details}
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		body = res.ErrorResponse{Error: err.Error(), ErrorCode: "invalid_argument"}
	case errors.Is(err, domain.ErrUnauthenticated):
		status = http.StatusUnauthorized
		body = res.ErrorResponse{Error: "unauthenticated", ErrorCode: "unauthenticated"}
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
		body = res.ErrorResponse{Error: "permission denied", ErrorCode: "permission_denied"}
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body = res.ErrorResponse{Error: err.Error(), ErrorCode: "not_found"}
	case errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
		body = res.ErrorResponse{Error: "already exists", ErrorCode: "already_exists"}
	case errors.As(err, &rlErr):
		status = http.StatusTooManyRequests
		seconds := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(seconds))
		body = res.ErrorResponse{Error: "too many requests", ErrorCode: "rate_limited", Retryable: true}
	case errors.Is(err, domain.ErrTransient):
		status = http.StatusServiceUnavailable
		body = res.ErrorResponse{Error: "temporarily unavailable, try again", ErrorCode: "unavailable", Retryable: true}
	default:
		status = http.StatusInternalServerError
		body = res.ErrorResponse{Error: "internal error", ErrorCode: "internal"}
	}

	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed", "path", c.FullPath(), "status", status, "error", err)
	} else {
		log.Debugw("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	res.JsonResponse(c.Writer, body, status)
	c.Abort()
}
