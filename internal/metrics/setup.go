package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
	"github.com/Thinh-nguyen-03/gatekeep/internal/database"
)

// FromConfig builds the enabled reporters. If an enabled backend cannot be
// reached, the reporters built so far are closed and the error is returned.
func FromConfig(ctx context.Context, cfg config.MetricsConfig, console io.Writer) ([]Scheduled, error) {
	var out []Scheduled

	fail := func(err error) ([]Scheduled, error) {
		var errs []error
		for _, s := range out {
			if c, ok := s.Reporter.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		return nil, errors.Join(append([]error{err}, errs...)...)
	}

	if cfg.Log {
		out = append(out, Scheduled{Reporter: NewLogReporter(slog.Default()), Every: cfg.LogPollingRate})
	}
	if cfg.Console {
		out = append(out, Scheduled{Reporter: NewConsoleReporter(console), Every: cfg.ConsolePollingRate})
	}

	if cfg.SQLite {
		store, err := OpenStore(cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		out = append(out, Scheduled{Reporter: store, Every: cfg.SQLitePollingRate})
	}

	if cfg.Redis {
		client, err := NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(err)
		}
		r := NewRedisReporter(client, WithRedisPrefix(cfg.RedisPrefix))
		r.closer = client.Close
		out = append(out, Scheduled{Reporter: r, Every: cfg.RedisPollingRate})
	}

	for _, s := range out {
		slog.Info("metrics reporter enabled", "reporter", s.Reporter.Name(), "every", s.Every)
	}
	return out, nil
}

// OpenStore opens and migrates the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metrics database: %w", err)
	}
	return NewStore(db), nil
}
