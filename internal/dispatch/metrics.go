package dispatch

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
)

const (
	minStatus = 100
	maxStatus = 599
)

// Metrics holds lock-free request counters. Every completed request is
// recorded exactly once; requests whose client went away are counted as
// abandoned instead of under a status.
type Metrics struct {
	started time.Time

	requests  atomic.Int64
	abandoned atomic.Int64
	byStatus  [maxStatus + 1]atomic.Int64 // index 0 collects out-of-range codes
	verdicts  [3]atomic.Int64

	// fixed at construction, so reads need no lock
	routes map[string]*routeCounters
}

type routeCounters struct {
	requests atomic.Int64
	degraded atomic.Int64
	rejected atomic.Int64
}

// NewMetrics creates counters, with per-route counters for the given keys.
func NewMetrics(routeKeys ...string) *Metrics {
	m := &Metrics{
		started: time.Now(),
		routes:  make(map[string]*routeCounters, len(routeKeys)),
	}
	for _, k := range routeKeys {
		m.routes[k] = &routeCounters{}
	}
	return m
}

// Record counts one completed request.
func (m *Metrics) Record(routeKey string, status int) {
	m.requests.Add(1)
	if status < minStatus || status > maxStatus {
		status = 0
	}
	m.byStatus[status].Add(1)
	if rc, ok := m.routes[routeKey]; ok {
		rc.requests.Add(1)
	}
}

// RecordVerdict counts one admission decision.
func (m *Metrics) RecordVerdict(routeKey string, v ratelimit.Verdict) {
	if v < ratelimit.Allow || v > ratelimit.Reject {
		return
	}
	m.verdicts[v].Add(1)

	rc, ok := m.routes[routeKey]
	if !ok {
		return
	}
	switch v {
	case ratelimit.Degrade:
		rc.degraded.Add(1)
	case ratelimit.Reject:
		rc.rejected.Add(1)
	}
}

// RecordAbandoned counts a request dropped because the client disconnected.
func (m *Metrics) RecordAbandoned() {
	m.abandoned.Add(1)
}

// Requests returns the aggregate completed request count.
func (m *Metrics) Requests() int64 {
	return m.requests.Load()
}

// StatusCount returns the count for one status code.
func (m *Metrics) StatusCount(status int) int64 {
	if status < minStatus || status > maxStatus {
		status = 0
	}
	return m.byStatus[status].Load()
}

// Abandoned returns the abandoned request count.
func (m *Metrics) Abandoned() int64 {
	return m.abandoned.Load()
}

// RouteStats are per-route counters in a Snapshot.
type RouteStats struct {
	Route    string `json:"route" yaml:"route"`
	Requests int64  `json:"requests" yaml:"requests"`
	Degraded int64  `json:"degraded" yaml:"degraded"`
	Rejected int64  `json:"rejected" yaml:"rejected"`
}

// Snapshot is a point-in-time copy of the counters. Counters are read one
// by one, so a snapshot taken under load is not a consistent cut.
type Snapshot struct {
	TakenAt   time.Time     `json:"taken_at" yaml:"taken_at"`
	Uptime    time.Duration `json:"uptime" yaml:"uptime"`
	Requests  int64         `json:"requests" yaml:"requests"`
	Abandoned int64         `json:"abandoned" yaml:"abandoned"`
	Allowed   int64         `json:"allowed" yaml:"allowed"`
	Degraded  int64         `json:"degraded" yaml:"degraded"`
	Rejected  int64         `json:"rejected" yaml:"rejected"`
	ByStatus  map[int]int64 `json:"by_status" yaml:"by_status"`
	Routes    []RouteStats  `json:"routes" yaml:"routes"`
}

// Snapshot copies the current counters. Zero status counts are omitted.
func (m *Metrics) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		TakenAt:   now,
		Uptime:    now.Sub(m.started),
		Requests:  m.requests.Load(),
		Abandoned: m.abandoned.Load(),
		Allowed:   m.verdicts[ratelimit.Allow].Load(),
		Degraded:  m.verdicts[ratelimit.Degrade].Load(),
		Rejected:  m.verdicts[ratelimit.Reject].Load(),
		ByStatus:  make(map[int]int64),
	}

	for code := range m.byStatus {
		if n := m.byStatus[code].Load(); n > 0 {
			s.ByStatus[code] = n
		}
	}

	for key, rc := range m.routes {
		s.Routes = append(s.Routes, RouteStats{
			Route:    key,
			Requests: rc.requests.Load(),
			Degraded: rc.degraded.Load(),
			Rejected: rc.rejected.Load(),
		})
	}
	sort.Slice(s.Routes, func(i, j int) bool { return s.Routes[i].Route < s.Routes[j].Route })

	return s
}
