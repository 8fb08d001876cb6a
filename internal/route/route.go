// Package route compiles registered routes into an immutable lookup table.
//
// Patterns are slash-separated. A segment starting with ':' captures one
// path segment, a final segment starting with '*' captures the rest of the
// path. Static routes are matched first; pattern routes are then tried in
// registration order, so earlier registrations shadow later ones.
package route

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
)

// AnyMethod registers a route for every HTTP method.
const AnyMethod = "*"

// Params holds captured path parameters.
type Params map[string]string

// Option configures per-route metadata.
type Option func(*settings)

type settings struct {
	cors         bool
	limit        ratelimit.Rates
	hasLimit     bool
	defaultLimit bool
}

// WithLimit gives the route its own soft/hard tier.
func WithLimit(soft, hard float64) Option {
	return func(s *settings) {
		s.limit = ratelimit.Rates{Soft: soft, Hard: hard}
		s.hasLimit = true
		s.defaultLimit = false
	}
}

// WithDefaultLimit gives the route its own tier using the configured
// per-route default rates.
func WithDefaultLimit() Option {
	return func(s *settings) {
		s.defaultLimit = true
		s.hasLimit = false
	}
}

// WithoutCORS takes the route out of CORS: preflights aimed at it are not
// granted and its responses carry no CORS headers.
func WithoutCORS() Option {
	return func(s *settings) { s.cors = false }
}

// Route is one compiled route. It is immutable once the table is built.
type Route[H any] struct {
	Method  string
	Pattern string
	Handler H
	CORS    bool

	limit    ratelimit.Rates
	hasLimit bool
	segments []segment
	static   bool
}

// Key identifies the route's rate-limit tier and metrics.
func (r *Route[H]) Key() string {
	return r.Method + " " + r.Pattern
}

// Limit returns the route's own rates, if it has a tier.
func (r *Route[H]) Limit() (ratelimit.Rates, bool) {
	return r.limit, r.hasLimit
}

type segment struct {
	literal  string
	param    string
	wildcard bool
}

// Builder collects routes in registration order.
type Builder[H any] struct {
	routes []pending[H]
}

type pending[H any] struct {
	method  string
	pattern string
	handler H
	opts    []Option
}

// NewBuilder returns an empty Builder.
func NewBuilder[H any]() *Builder[H] {
	return &Builder[H]{}
}

// Handle registers a route. Validation happens in Compile.
func (b *Builder[H]) Handle(method, pattern string, h H, opts ...Option) {
	b.routes = append(b.routes, pending[H]{method: method, pattern: pattern, handler: h, opts: opts})
}

func (b *Builder[H]) Get(pattern string, h H, opts ...Option) {
	b.Handle(http.MethodGet, pattern, h, opts...)
}

func (b *Builder[H]) Post(pattern string, h H, opts ...Option) {
	b.Handle(http.MethodPost, pattern, h, opts...)
}

func (b *Builder[H]) Put(pattern string, h H, opts ...Option) {
	b.Handle(http.MethodPut, pattern, h, opts...)
}

func (b *Builder[H]) Delete(pattern string, h H, opts ...Option) {
	b.Handle(http.MethodDelete, pattern, h, opts...)
}

// Compile validates every route and builds the Table. defaults are the
// rates given to routes registered with WithDefaultLimit.
func (b *Builder[H]) Compile(defaults ratelimit.Rates) (*Table[H], error) {
	t := &Table[H]{
		static: make(map[string][]*Route[H]),
		keys:   make(map[string]struct{}, len(b.routes)),
	}

	for _, p := range b.routes {
		r, err := compileRoute(p, defaults)
		if err != nil {
			return nil, err
		}
		if _, dup := t.keys[r.Key()]; dup {
			return nil, fmt.Errorf("duplicate route %q", r.Key())
		}
		t.keys[r.Key()] = struct{}{}
		t.all = append(t.all, r)

		if r.static {
			key := joinPath(splitPath(r.Pattern))
			t.static[key] = append(t.static[key], r)
		} else {
			t.patterns = append(t.patterns, r)
		}
	}
	return t, nil
}

func compileRoute[H any](p pending[H], defaults ratelimit.Rates) (*Route[H], error) {
	method := strings.ToUpper(strings.TrimSpace(p.method))
	if method == "" {
		return nil, fmt.Errorf("route %q: method is required", p.pattern)
	}
	if !strings.HasPrefix(p.pattern, "/") {
		return nil, fmt.Errorf("route %s %q: pattern must start with '/'", method, p.pattern)
	}

	s := settings{cors: true}
	for _, opt := range p.opts {
		opt(&s)
	}
	if s.defaultLimit {
		s.limit = defaults
		s.hasLimit = true
	}
	if s.hasLimit {
		if err := s.limit.Validate(); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", method, p.pattern, err)
		}
	}

	segs, static, err := parsePattern(p.pattern)
	if err != nil {
		return nil, fmt.Errorf("route %s %s: %w", method, p.pattern, err)
	}

	return &Route[H]{
		Method:   method,
		Pattern:  p.pattern,
		Handler:  p.handler,
		CORS:     s.cors,
		limit:    s.limit,
		hasLimit: s.hasLimit,
		segments: segs,
		static:   static,
	}, nil
}

func parsePattern(pattern string) ([]segment, bool, error) {
	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	static := true

	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, false, fmt.Errorf("empty parameter name")
			}
			segs = append(segs, segment{param: name})
			static = false
		case strings.HasPrefix(part, "*"):
			if i != len(parts)-1 {
				return nil, false, fmt.Errorf("wildcard must be the last segment")
			}
			name := part[1:]
			if name == "" {
				name = "*"
			}
			segs = append(segs, segment{param: name, wildcard: true})
			static = false
		default:
			segs = append(segs, segment{literal: part})
		}
	}
	return segs, static, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// joinPath is the canonical form of split segments: leading slash, no
// trailing slash.
func joinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

// Table is the compiled, read-only route table.
type Table[H any] struct {
	static   map[string][]*Route[H]
	patterns []*Route[H]
	all      []*Route[H]
	keys     map[string]struct{}
}

// Resolve finds the route for method and path. Leading and trailing slashes
// are ignored. Static routes win over pattern routes; within each group the
// earliest registration wins.
func (t *Table[H]) Resolve(method, path string) (*Route[H], Params, bool) {
	parts := splitPath(path)
	for _, r := range t.static[joinPath(parts)] {
		if methodMatches(r.Method, method) {
			return r, nil, true
		}
	}

	for _, r := range t.patterns {
		if !methodMatches(r.Method, method) {
			continue
		}
		if params, ok := r.match(parts); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// Routes returns the routes in registration order.
func (t *Table[H]) Routes() []*Route[H] {
	out := make([]*Route[H], len(t.all))
	copy(out, t.all)
	return out
}

// Rates returns the tier rates of every route that has its own tier, keyed
// by Route.Key.
func (t *Table[H]) Rates() map[string]ratelimit.Rates {
	out := make(map[string]ratelimit.Rates)
	for _, r := range t.all {
		if rates, ok := r.Limit(); ok {
			out[r.Key()] = rates
		}
	}
	return out
}

func methodMatches(routeMethod, method string) bool {
	return routeMethod == AnyMethod || routeMethod == method
}

func (r *Route[H]) match(parts []string) (Params, bool) {
	params := Params{}
	for i, seg := range r.segments {
		if seg.wildcard {
			params[seg.param] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		if seg.param != "" {
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	if len(parts) != len(r.segments) {
		return nil, false
	}
	return params, true
}
