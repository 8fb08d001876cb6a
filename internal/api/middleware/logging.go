package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// statusClientClosed matches the status the transport records for requests
// abandoned by the client.
const statusClientClosed = 499

// Logging logs every request with slog once it completes. The level follows
// the status class; abandoned requests are logged at info.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}

		attrs := []any{
			"request_id", GetRequestID(c),
			"method", c.Request.Method,
			"path", fullPath,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", c.RemoteIP(),
			"bytes", c.Writer.Size(),
		}
		if route := c.GetString(RouteKey); route != "" {
			attrs = append(attrs, "route", route)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status == statusClientClosed:
			slog.Info("request abandoned", attrs...)
		case status >= 500:
			slog.Error("request completed", attrs...)
		case status >= 400:
			slog.Warn("request completed", attrs...)
		default:
			slog.Info("request completed", attrs...)
		}
	}
}
