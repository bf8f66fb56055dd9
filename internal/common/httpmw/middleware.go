// Package httpmw provides the gin middleware shared by sandboxd's HTTP
// surface: request logging, panic recovery, CORS, and error rendering.
package httpmw

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/logger"
)

// RequestLogger logs every request with a generated request id.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last gin error as the JSON error body spec.md
// §7 mandates: {code, message, details, timestamp, httpStatus, suggestion?}.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		var appErr *apperr.AppError
		if stderrors.As(err, &appErr) {
			log.Error("request error",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
			)
			c.JSON(appErr.HTTPStatus, appErr.ToBody())
			return
		}

		log.Error("unhandled request error", zap.Error(err))
		internal := apperr.Internal(err.Error(), err)
		c.JSON(internal.HTTPStatus, internal.ToBody())
	}
}

// Recovery recovers from panics, logs them, and renders an Internal error
// body instead of closing the connection.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				internal := apperr.Internal("an internal server error occurred", nil)
				c.AbortWithStatusJSON(internal.HTTPStatus, internal.ToBody())
			}
		}()

		c.Next()
	}
}

// CORS allows cross-origin requests from any origin, including on error
// responses, per spec.md §7.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
