package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

const (
	defaultRedisPrefix = "gatekeep:metrics"
	defaultBucketTTL   = 24 * time.Hour
)

// RedisReporter adds counter deltas into Redis hashes so several instances
// can share totals. Per-minute buckets expire after the configured TTL.
type RedisReporter struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	closer func() error

	mu   sync.Mutex
	last dispatch.Snapshot
}

type RedisOption func(*RedisReporter)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisReporter) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithBucketTTL(ttl time.Duration) RedisOption {
	return func(r *RedisReporter) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewRedisReporter(rdb redis.Cmdable, opts ...RedisOption) *RedisReporter {
	r := &RedisReporter{
		rdb:    rdb,
		prefix: defaultRedisPrefix,
		ttl:    defaultBucketTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisReporter) Name() string { return "redis" }

func (r *RedisReporter) Report(ctx context.Context, s dispatch.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := diff(r.last, s)
	if d.empty() {
		r.last = s
		return nil
	}

	bucket := fmt.Sprintf("%s:minute:%s", r.prefix, s.TakenAt.UTC().Format("200601021504"))

	pipe := r.rdb.Pipeline()
	for field, n := range d.totals {
		pipe.HIncrBy(ctx, r.prefix+":total", field, n)
		pipe.HIncrBy(ctx, bucket, field, n)
	}
	for code, n := range d.status {
		pipe.HIncrBy(ctx, r.prefix+":status", code, n)
		pipe.HIncrBy(ctx, bucket, "status:"+code, n)
	}
	for field, n := range d.routes {
		pipe.HIncrBy(ctx, r.prefix+":routes", field, n)
	}
	pipe.Expire(ctx, bucket, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing metrics to redis: %w", err)
	}
	r.last = s
	return nil
}

// Close releases the client when the reporter owns it.
func (r *RedisReporter) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

type counterDelta struct {
	totals map[string]int64
	status map[string]int64
	routes map[string]int64
}

func (d counterDelta) empty() bool {
	return len(d.totals) == 0 && len(d.status) == 0 && len(d.routes) == 0
}

// diff returns the positive increments from prev to cur. Counters never
// decrease within a process, so a lower value means prev is stale and cur
// is taken whole.
func diff(prev, cur dispatch.Snapshot) counterDelta {
	d := counterDelta{
		totals: make(map[string]int64),
		status: make(map[string]int64),
		routes: make(map[string]int64),
	}
	add := func(m map[string]int64, key string, before, after int64) {
		n := after - before
		if n < 0 {
			n = after
		}
		if n > 0 {
			m[key] = n
		}
	}

	add(d.totals, "requests", prev.Requests, cur.Requests)
	add(d.totals, "abandoned", prev.Abandoned, cur.Abandoned)
	add(d.totals, "allowed", prev.Allowed, cur.Allowed)
	add(d.totals, "degraded", prev.Degraded, cur.Degraded)
	add(d.totals, "rejected", prev.Rejected, cur.Rejected)

	for code, n := range cur.ByStatus {
		add(d.status, strconv.Itoa(code), prev.ByStatus[code], n)
	}

	before := make(map[string]dispatch.RouteStats, len(prev.Routes))
	for _, rs := range prev.Routes {
		before[rs.Route] = rs
	}
	for _, rs := range cur.Routes {
		p := before[rs.Route]
		add(d.routes, rs.Route+":requests", p.Requests, rs.Requests)
		add(d.routes, rs.Route+":degraded", p.Degraded, rs.Degraded)
		add(d.routes, rs.Route+":rejected", p.Rejected, rs.Rejected)
	}
	return d
}
