package middleware

import (
	"log/slog"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// Recovery catches panics raised outside the dispatcher, which recovers
// handler panics itself, and answers with the standard error body.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(c)

				slog.Error("panic recovered",
					"request_id", requestID,
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(dispatch.ErrInternal.StatusCode, dispatch.ErrorResponse{
					Error:     dispatch.ErrInternal.Code,
					Message:   dispatch.ErrInternal.Message,
					RequestID: requestID,
				})
			}
		}()

		c.Next()
	}
}
