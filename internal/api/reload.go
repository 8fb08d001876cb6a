package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
)

var errNoLoader = errors.New("configuration was not loaded from a file")

// Reloader re-reads configuration and swaps in the parts that may change at
// runtime: the access lists and the client override table. Both are
// replaced as complete snapshots.
type Reloader struct {
	mu      sync.Mutex
	loader  *config.Loader
	access  *access.Filter
	limiter *ratelimit.Registry
	current atomic.Pointer[config.Config]
}

func NewReloader(loader *config.Loader, cfg *config.Config, f *access.Filter, l *ratelimit.Registry) *Reloader {
	r := &Reloader{loader: loader, access: f, limiter: l}
	r.current.Store(cfg)
	return r
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *config.Config {
	return r.current.Load()
}

// ConfigFile returns the file the configuration came from, if any.
func (r *Reloader) ConfigFile() string {
	if r.loader == nil {
		return ""
	}
	return r.loader.ConfigFileUsed()
}

// Reload loads the configuration again and applies it.
func (r *Reloader) Reload() (*config.Config, error) {
	if r.loader == nil {
		return nil, errNoLoader
	}
	cfg, err := r.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply swaps in the reloadable parts of cfg. Nothing changes on error.
func (r *Reloader) Apply(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := access.New(cfg.Access); err != nil {
		return fmt.Errorf("access lists: %w", err)
	}
	if err := r.limiter.ReplaceOverrides(cfg.Overrides); err != nil {
		return fmt.Errorf("overrides: %w", err)
	}
	if err := r.access.Replace(cfg.Access); err != nil {
		return fmt.Errorf("access lists: %w", err)
	}
	r.current.Store(cfg)

	slog.Info("configuration reloaded",
		"overrides", r.limiter.OverrideCount(),
		"black_list", len(cfg.Access.BlackList),
		"white_list", len(cfg.Access.WhiteList),
	)
	return nil
}

// WatchFile applies the configuration whenever its file changes. Invalid
// files are logged and ignored. It reports whether a file is watched.
func (r *Reloader) WatchFile() bool {
	if r.loader == nil {
		return false
	}
	return r.loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "error", err)
			return
		}
		if err := r.Apply(cfg); err != nil {
			slog.Warn("applying configuration change", "error", err)
		}
	})
}

// HandleSignals reloads on SIGHUP until ctx is done.
func (r *Reloader) HandleSignals(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := r.Reload(); err != nil {
				slog.Warn("reload on SIGHUP failed", "error", err)
			}
		}
	}
}
