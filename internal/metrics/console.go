package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// ConsoleReporter prints a human-readable table.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

func (r *ConsoleReporter) Name() string { return "console" }

func (r *ConsoleReporter) Report(_ context.Context, s dispatch.Snapshot) error {
	var b strings.Builder
	WriteSnapshot(&b, s)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, b.String())
	return err
}

// WriteSnapshot renders s the way the console reporter and the stats
// command print it.
func WriteSnapshot(w io.Writer, s dispatch.Snapshot) {
	started := s.TakenAt.Add(-s.Uptime)
	fmt.Fprintf(w, "-- %s (started %s) --\n", s.TakenAt.Format("2006-01-02 15:04:05"), humanize.Time(started))
	fmt.Fprintf(w, "  Requests:   %s (abandoned %s)\n", humanize.Comma(s.Requests), humanize.Comma(s.Abandoned))
	fmt.Fprintf(w, "  Verdicts:   allow %s, degrade %s, reject %s\n",
		humanize.Comma(s.Allowed), humanize.Comma(s.Degraded), humanize.Comma(s.Rejected))

	if len(s.ByStatus) > 0 {
		codes := make([]int, 0, len(s.ByStatus))
		for code := range s.ByStatus {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		parts := make([]string, 0, len(codes))
		for _, code := range codes {
			parts = append(parts, fmt.Sprintf("%d=%s", code, humanize.Comma(s.ByStatus[code])))
		}
		fmt.Fprintf(w, "  Status:     %s\n", strings.Join(parts, "  "))
	}

	for _, rs := range s.Routes {
		if rs.Requests == 0 && rs.Degraded == 0 && rs.Rejected == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-24s %s req, %s degraded, %s rejected\n",
			rs.Route, humanize.Comma(rs.Requests), humanize.Comma(rs.Degraded), humanize.Comma(rs.Rejected))
	}
}
