// Package api is the HTTP transport for the dispatcher: a gin engine that
// turns every inbound request into a dispatch.Request, plus the listener
// and server lifecycle around it.
package api

import (
	"time"

	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
)

// Config holds API server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int    // 0 means no cap
	MaxPayloadBytes int64  // bodies are read up to one byte past this
	ClientKeyHeader string // header carrying the rate-limit override key
	Production      bool   // set gin.ReleaseMode
}

// DefaultConfig returns sensible defaults for the API server.
var DefaultConfig = Config{
	Host:            "",
	Port:            8080,
	ReadTimeout:     60 * time.Second,
	WriteTimeout:    60 * time.Second,
	IdleTimeout:     120 * time.Second,
	ShutdownTimeout: 10 * time.Second,
	MaxConnections:  2000,
	MaxPayloadBytes: 1 << 20,
	ClientKeyHeader: "X-Client-Key",
	Production:      false,
}

// ConfigFrom maps the loaded configuration onto transport settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.ReaderIdleTimeout(),
		WriteTimeout:    cfg.WriterIdleTimeout(),
		IdleTimeout:     cfg.AllIdleTimeout(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.MaxConnections,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		ClientKeyHeader: cfg.ClientKeyHeader,
		Production:      cfg.Server.Production,
	}
}
