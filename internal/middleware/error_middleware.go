package middleware

import (
	"errors"
	"net/http"

	"relay-chat/internal/transport/httpdto"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := StatusFor(err)
		message := err.Error()
		if v, ok := relay_errors.AsValidation(err); ok {
			message = v.Message
		}
		if status >= http.StatusInternalServerError {
			l.WithContext(c.Request.Context()).Errorw("request failed", "path", c.FullPath(), "error", err)
			message = http.StatusText(status)
		}
		c.JSON(status, httpdto.NewErrorResponse(message, code))
	}
}

// StatusFor maps an error to its HTTP status and response code.
func StatusFor(err error) (int, httpdto.ErrorCode) {
	switch {
	case errors.Is(err, relay_errors.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity, httpdto.CodeQuotaExceeded
	case errors.Is(err, relay_errors.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, httpdto.CodeTooLarge
	case errors.Is(err, relay_errors.ErrInvalidInput):
		return http.StatusUnprocessableEntity, httpdto.CodeInvalidRequest
	case errors.Is(err, relay_errors.ErrNotFound):
		return http.StatusNotFound, httpdto.CodeNotFound
	case errors.Is(err, relay_errors.ErrForbidden):
		return http.StatusForbidden, httpdto.CodeForbidden
	case errors.Is(err, relay_errors.ErrUnauthorized):
		return http.StatusUnauthorized, httpdto.CodeUnauthorized
	case errors.Is(err, relay_errors.ErrConflict):
		return http.StatusConflict, httpdto.CodeConflict
	case errors.Is(err, relay_errors.ErrRateLimited):
		return http.StatusTooManyRequests, httpdto.CodeRateLimited
	case errors.Is(err, relay_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, httpdto.CodeUnavailable
	}
	return http.StatusInternalServerError, httpdto.CodeInternal
}
