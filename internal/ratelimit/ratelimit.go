// Package ratelimit implements tiered soft/hard admission control.
//
// A Registry owns three kinds of tiers: a single global tier, one tier per
// route that declared its own rates, and one tier per configured client
// override. Each tier holds two token buckets (soft and hard) backed by
// golang.org/x/time/rate. Every bucket has its own lock, so contention is
// limited to the tier being touched.
package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Verdict is the outcome of an admission check. Higher values are more severe.
type Verdict int

const (
	// Allow admits the request with no threshold exceeded.
	Allow Verdict = iota
	// Degrade admits the request but a soft threshold was exceeded.
	Degrade
	// Reject blocks the request because a hard threshold was exceeded.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Degrade:
		return "degrade"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// TierKind identifies the scope of a tier.
type TierKind int

const (
	// Global is the server-wide tier charged by every admitted lookup.
	Global TierKind = iota
	// PerRoute is a tier owned by one registered route.
	PerRoute
	// PerClientOverride is a tier owned by one configured client key.
	PerClientOverride
)

func (k TierKind) String() string {
	switch k {
	case Global:
		return "global"
	case PerRoute:
		return "route"
	case PerClientOverride:
		return "client_override"
	default:
		return "unknown"
	}
}

// Rates is a soft/hard pair in requests per second. A zero rate disables
// that threshold; zero for both disables the tier.
type Rates struct {
	Soft float64
	Hard float64
}

// Disabled reports whether neither threshold can ever trigger.
func (r Rates) Disabled() bool {
	return r.Soft == 0 && r.Hard == 0
}

// Validate checks hard >= soft >= 0.
func (r Rates) Validate() error {
	if math.IsNaN(r.Soft) || math.IsNaN(r.Hard) || math.IsInf(r.Soft, 0) || math.IsInf(r.Hard, 0) {
		return fmt.Errorf("rates must be finite, got %v:%v", r.Soft, r.Hard)
	}
	if r.Soft < 0 || r.Hard < 0 {
		return fmt.Errorf("rates must not be negative, got %v:%v", r.Soft, r.Hard)
	}
	if r.Hard < r.Soft {
		return fmt.Errorf("hard rate %v is below soft rate %v", r.Hard, r.Soft)
	}
	return nil
}

func (r Rates) String() string {
	return strconv.FormatFloat(r.Soft, 'f', -1, 64) + ":" + strconv.FormatFloat(r.Hard, 'f', -1, 64)
}

// ParseRates parses a "soft:hard" pair such as "10:20" or "0.5:1".
func ParseRates(s string) (Rates, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Rates{}, fmt.Errorf("rate override must follow SOFT:HARD, got %q", s)
	}

	soft, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Rates{}, fmt.Errorf("invalid soft rate in %q: %w", s, err)
	}
	hard, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Rates{}, fmt.Errorf("invalid hard rate in %q: %w", s, err)
	}

	r := Rates{Soft: soft, Hard: hard}
	if err := r.Validate(); err != nil {
		return Rates{}, err
	}
	return r, nil
}

// Decision reports the verdict and the tier that produced it. When several
// tiers agree on the most severe verdict the first one consulted is reported.
type Decision struct {
	Verdict Verdict
	Tier    TierKind
	Key     string
}

// Config holds the rates a Registry is built from.
type Config struct {
	Global    Rates
	Routes    map[string]Rates
	Overrides map[string]Rates
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds tier state. The route tiers are fixed at construction;
// the override table is an immutable snapshot swapped atomically.
type Registry struct {
	now       func() time.Time
	global    *tier
	routes    map[string]*tier
	overrides atomic.Pointer[overrideTable]
}

type overrideTable struct {
	tiers map[string]*tier
}

// New builds a Registry. Invalid rates are reported with the tier they
// belong to.
func New(cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{
		now:    time.Now,
		routes: make(map[string]*tier, len(cfg.Routes)),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := cfg.Global.Validate(); err != nil {
		return nil, fmt.Errorf("global tier: %w", err)
	}
	r.global = newTier(Global, "", cfg.Global)

	for key, rates := range cfg.Routes {
		if err := rates.Validate(); err != nil {
			return nil, fmt.Errorf("route tier %q: %w", key, err)
		}
		r.routes[key] = newTier(PerRoute, key, rates)
	}

	if err := r.ReplaceOverrides(cfg.Overrides); err != nil {
		return nil, err
	}
	return r, nil
}

// ReplaceOverrides builds a new override table and swaps it in. Keys whose
// rates are unchanged keep their bucket state.
func (r *Registry) ReplaceOverrides(overrides map[string]Rates) error {
	prev := r.overrides.Load()

	next := &overrideTable{tiers: make(map[string]*tier, len(overrides))}
	for key, rates := range overrides {
		if err := rates.Validate(); err != nil {
			return fmt.Errorf("client override %q: %w", key, err)
		}
		if prev != nil {
			if t, ok := prev.tiers[key]; ok && t.rates == rates {
				next.tiers[key] = t
				continue
			}
		}
		next.tiers[key] = newTier(PerClientOverride, key, rates)
	}

	r.overrides.Store(next)
	return nil
}

// Override returns the override rates for a client key, if any.
func (r *Registry) Override(clientKey string) (Rates, bool) {
	t, ok := r.overrides.Load().tiers[clientKey]
	if !ok {
		return Rates{}, false
	}
	return t.rates, true
}

// OverrideCount returns the number of client overrides in the current table.
func (r *Registry) OverrideCount() int {
	return len(r.overrides.Load().tiers)
}

// Admit charges one token to every applicable tier and returns the most
// severe verdict.
//
// An empty routeKey means the request matched no route: only the global
// tier is charged. For a matched route, a client with an override is
// governed by its override tier alone; otherwise the global tier and the
// route's own tier (when it has one) are charged.
func (r *Registry) Admit(clientKey, routeKey string) Decision {
	now := r.now()

	if routeKey == "" {
		return Decision{Verdict: r.global.spend(now), Tier: Global}
	}

	if t, ok := r.overrides.Load().tiers[clientKey]; ok {
		return Decision{Verdict: t.spend(now), Tier: PerClientOverride, Key: clientKey}
	}

	d := Decision{Verdict: r.global.spend(now), Tier: Global}
	if t, ok := r.routes[routeKey]; ok {
		if v := t.spend(now); v > d.Verdict {
			d = Decision{Verdict: v, Tier: PerRoute, Key: routeKey}
		}
	}
	return d
}

// tier is one soft/hard bucket pair. A nil bucket never triggers.
type tier struct {
	kind  TierKind
	key   string
	rates Rates
	soft  *rate.Limiter
	hard  *rate.Limiter
}

func newTier(kind TierKind, key string, rates Rates) *tier {
	return &tier{
		kind:  kind,
		key:   key,
		rates: rates,
		soft:  newBucket(rates.Soft),
		hard:  newBucket(rates.Hard),
	}
}

// newBucket returns a bucket whose capacity equals its rate (at least one
// token) and which refills continuously at that rate.
func newBucket(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSec))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (t *tier) spend(now time.Time) Verdict {
	v := Allow
	if t.hard != nil && !t.hard.AllowN(now, 1) {
		v = Reject
	}
	if t.soft != nil && !t.soft.AllowN(now, 1) && v == Allow {
		v = Degrade
	}
	return v
}
