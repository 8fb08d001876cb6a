package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
	"github.com/Thinh-nguyen-03/gatekeep/internal/codec"
	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
	"github.com/Thinh-nguyen-03/gatekeep/internal/cors"
	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// Version is the server version reported by the admin routes.
const Version = "1.0.0"

// Server is the HTTP front end of a dispatcher.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	dispatcher *dispatch.Dispatcher
	reloader   *Reloader
	tlsConfig  *tls.Config
	config     Config
}

// New creates a server around an already built dispatcher.
func New(d *dispatch.Dispatcher, r *Reloader, cfg Config) *Server {
	s := &Server{
		dispatcher: d,
		reloader:   r,
		config:     cfg,
	}
	s.setupRouter()
	return s
}

// Assemble builds the whole pipeline from cfg: codecs, route table, rate
// limit registry, access filter, CORS policy, counters and dispatcher.
// register adds application routes ahead of the admin routes; reusing an
// admin route key is a compile error. loader may be nil, in which case
// reloads are refused.
func Assemble(cfg *config.Config, loader *config.Loader, register func(b *route.Builder[dispatch.Handler])) (*Server, error) {
	negotiator, err := codec.Default(cfg.DefaultContentType)
	if err != nil {
		return nil, fmt.Errorf("content negotiation: %w", err)
	}

	adm := &admin{started: time.Now()}

	b := route.NewBuilder[dispatch.Handler]()
	if register != nil {
		register(b)
	}
	adm.register(b, cfg.AdminRoutes)

	table, err := b.Compile(cfg.RouteRates)
	if err != nil {
		return nil, fmt.Errorf("compiling routes: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Global:    cfg.GlobalRates,
		Routes:    table.Rates(),
		Overrides: cfg.Overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}

	filter, err := access.New(cfg.Access)
	if err != nil {
		return nil, fmt.Errorf("access lists: %w", err)
	}

	keys := make([]string, 0, len(table.Routes()))
	for _, rt := range table.Routes() {
		keys = append(keys, rt.Key())
	}

	dc, err := dispatch.NewContext(table, negotiator, dispatch.DefaultExceptionHandler, dispatch.NewMetrics(keys...))
	if err != nil {
		return nil, err
	}

	d, err := dispatch.NewDispatcher(dc, dispatch.Options{
		Access:               filter,
		Limiter:              limiter,
		CORS:                 cors.New(cfg.CORS),
		MaxPayloadBytes:      cfg.MaxPayloadBytes,
		Workers:              cfg.WorkerThreadCount,
		WorkerAcquireTimeout: cfg.WorkerAcquireTimeout,
		HandlerTimeout:       cfg.WriterIdleTimeout(),
	})
	if err != nil {
		return nil, err
	}

	adm.dispatcher = d
	adm.reloader = NewReloader(loader, cfg, filter, limiter)

	slog.Info("dispatch pipeline ready",
		"routes", len(keys),
		"overrides", limiter.OverrideCount(),
		"global_rates", cfg.GlobalRates.String(),
		"boss_threads", cfg.BossThreadCount,
		"workers", cfg.WorkerThreadCount,
	)
	return New(d, adm.reloader, ConfigFrom(cfg)), nil
}

// UseTLS serves TLS with c. It must be called before Start.
func (s *Server) UseTLS(c *tls.Config) {
	s.tlsConfig = c
}

// Start listens on the configured address and serves until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. The listener is
// capped at MaxConnections and wrapped in TLS when configured.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"address", ln.Addr().String(),
			"tls", s.tlsConfig != nil,
			"max_connections", s.config.MaxConnections,
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// Router returns the Gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Dispatcher returns the dispatcher behind the server.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Reloader returns the runtime configuration reloader.
func (s *Server) Reloader() *Reloader {
	return s.reloader
}
