// Package metrics polls dispatch counters and publishes them to reporters:
// the log, a console, a SQLite snapshot store and Redis.
package metrics

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// Source exposes the counters to poll.
type Source interface {
	Snapshot() dispatch.Snapshot
}

// Reporter publishes one snapshot.
type Reporter interface {
	Name() string
	Report(ctx context.Context, s dispatch.Snapshot) error
}

// Scheduled pairs a reporter with its polling interval.
type Scheduled struct {
	Reporter Reporter
	Every    time.Duration
}

const flushTimeout = 5 * time.Second

// Run polls src for every scheduled reporter until ctx is cancelled. Each
// reporter gets a final report on the way out, and reporters implementing
// io.Closer are closed.
func Run(ctx context.Context, src Source, scheduled ...Scheduled) {
	var wg conc.WaitGroup
	for _, s := range scheduled {
		s := s
		wg.Go(func() { poll(ctx, src, s) })
	}
	wg.Wait()
}

func poll(ctx context.Context, src Source, s Scheduled) {
	name := s.Reporter.Name()
	slog.Debug("metrics reporter started", "reporter", name, "every", s.Every)

	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report(ctx, name, s.Reporter, src.Snapshot())
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			report(flushCtx, name, s.Reporter, src.Snapshot())
			cancel()

			if c, ok := s.Reporter.(io.Closer); ok {
				if err := c.Close(); err != nil {
					slog.Warn("closing metrics reporter", "reporter", name, "error", err)
				}
			}
			slog.Debug("metrics reporter stopped", "reporter", name)
			return
		}
	}
}

func report(ctx context.Context, name string, r Reporter, snap dispatch.Snapshot) {
	if err := r.Report(ctx, snap); err != nil {
		slog.Warn("metrics report failed", "reporter", name, "error", err)
	}
}

// StatusClasses folds per-status counts into 1xx..5xx totals. Bucketed
// out-of-range codes are reported as "other".
func StatusClasses(byStatus map[int]int64) map[string]int64 {
	out := make(map[string]int64)
	for code, n := range byStatus {
		switch {
		case code >= 100 && code < 600:
			out[string(rune('0'+code/100))+"xx"] += n
		default:
			out["other"] += n
		}
	}
	return out
}
