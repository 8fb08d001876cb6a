package metrics

import (
	"context"
	"log/slog"
	"sort"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// LogReporter writes each snapshot as one structured log line.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Name() string { return "log" }

func (r *LogReporter) Report(ctx context.Context, s dispatch.Snapshot) error {
	classes := StatusClasses(s.ByStatus)
	keys := make([]string, 0, len(classes))
	for k := range classes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	status := make([]any, 0, len(keys))
	for _, k := range keys {
		status = append(status, slog.Int64(k, classes[k]))
	}

	r.logger.InfoContext(ctx, "metrics",
		"requests", s.Requests,
		"abandoned", s.Abandoned,
		"allowed", s.Allowed,
		"degraded", s.Degraded,
		"rejected", s.Rejected,
		"uptime", s.Uptime.String(),
		slog.Group("status", status...),
	)
	return nil
}
