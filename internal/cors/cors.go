// Package cors evaluates CORS preflight and in-flight requests against a
// configured policy.
package cors

import (
	"net/http"
	"strconv"
	"strings"
)

// Header names used by the policy.
const (
	HeaderOrigin           = "Origin"
	HeaderRequestMethod    = "Access-Control-Request-Method"
	HeaderRequestHeaders   = "Access-Control-Request-Headers"
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderMaxAge           = "Access-Control-Max-Age"
	HeaderVary             = "Vary"
)

// Config holds CORS configuration options.
type Config struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	ShortCircuit     bool
	MaxAgeSeconds    int
}

// Result is the outcome of evaluating one request.
type Result struct {
	// Applicable is false when CORS is disabled or the request carries no Origin.
	Applicable bool
	// Preflight is true for OPTIONS requests carrying an Origin.
	Preflight bool
	// Allow reports whether the origin is permitted.
	Allow bool
	// Headers are the response headers to attach.
	Headers map[string]string
}

// Policy is an immutable, compiled Config.
type Policy struct {
	enabled       bool
	anyOrigin     bool
	origins       map[string]struct{}
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	credentials   bool
	shortCircuit  bool
	maxAge        string
}

// New compiles cfg. Methods are upper-cased; "*" in AllowedOrigins allows
// every origin.
func New(cfg Config) *Policy {
	p := &Policy{
		enabled:      cfg.Enabled,
		origins:      make(map[string]struct{}, len(cfg.AllowedOrigins)),
		credentials:  cfg.AllowCredentials,
		shortCircuit: cfg.ShortCircuit,
	}

	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		if o != "" {
			p.origins[o] = struct{}{}
		}
	}

	methods := make([]string, 0, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	p.allowMethods = strings.Join(methods, ",")
	p.allowHeaders = joinTrimmed(cfg.AllowedHeaders)
	p.exposeHeaders = joinTrimmed(cfg.ExposedHeaders)

	if cfg.MaxAgeSeconds > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}
	return p
}

// Enabled reports whether the policy is active.
func (p *Policy) Enabled() bool {
	return p.enabled
}

// ShortCircuit reports whether disallowed preflights are answered with 403.
func (p *Policy) ShortCircuit() bool {
	return p.shortCircuit
}

// Evaluate inspects one request. For an allowed preflight the headers are
// the complete preflight response headers; for an allowed in-flight request
// they are the headers to add to the handler's response.
func (p *Policy) Evaluate(method, origin, requestedMethod, requestedHeaders string) Result {
	if !p.enabled || origin == "" {
		return Result{}
	}

	res := Result{
		Applicable: true,
		Preflight:  method == http.MethodOptions,
		Allow:      p.originAllowed(origin),
	}
	if !res.Allow {
		return res
	}

	h := map[string]string{}
	if p.anyOrigin && !p.credentials {
		h[HeaderAllowOrigin] = "*"
	} else {
		h[HeaderAllowOrigin] = origin
		h[HeaderVary] = HeaderOrigin
	}
	if p.credentials {
		h[HeaderAllowCredentials] = "true"
	}

	if !res.Preflight {
		if p.exposeHeaders != "" {
			h[HeaderExposeHeaders] = p.exposeHeaders
		}
		res.Headers = h
		return res
	}

	switch {
	case p.allowMethods != "":
		h[HeaderAllowMethods] = p.allowMethods
	case requestedMethod != "":
		h[HeaderAllowMethods] = strings.ToUpper(strings.TrimSpace(requestedMethod))
	}
	switch {
	case p.allowHeaders != "":
		h[HeaderAllowHeaders] = p.allowHeaders
	case requestedHeaders != "":
		h[HeaderAllowHeaders] = strings.TrimSpace(requestedHeaders)
	}
	if p.maxAge != "" {
		h[HeaderMaxAge] = p.maxAge
	}

	res.Headers = h
	return res
}

func (p *Policy) originAllowed(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func joinTrimmed(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ",")
}
