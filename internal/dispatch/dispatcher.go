package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
	"github.com/Thinh-nguyen-03/gatekeep/internal/cors"
	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// State is a step of the per-request state machine. Rejections jump from
// the state that produced them straight to Responding.
type State int

const (
	StateReceived State = iota
	StateFiltered
	StateRateChecked
	StateRouted
	StateNegotiated
	StateHandling
	StateFailed
	StateResponding
	StateDone
)

var stateNames = [...]string{
	StateReceived:    "received",
	StateFiltered:    "filtered",
	StateRateChecked: "rate_checked",
	StateRouted:      "routed",
	StateNegotiated:  "negotiated",
	StateHandling:    "handling",
	StateFailed:      "failed",
	StateResponding:  "responding",
	StateDone:        "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Options configures a Dispatcher.
type Options struct {
	Access  *access.Filter
	Limiter *ratelimit.Registry
	CORS    *cors.Policy

	// MaxPayloadBytes rejects larger bodies with 413. Zero means no limit.
	MaxPayloadBytes int64

	// Workers bounds concurrent handler invocations. Zero means unbounded.
	Workers int
	// WorkerAcquireTimeout is how long a request waits for a worker slot
	// before getting 503.
	WorkerAcquireTimeout time.Duration

	// HandlerTimeout is the deadline placed on the handler context. Zero
	// means no deadline.
	HandlerTimeout time.Duration
}

// Dispatcher moves each request through filtering, admission, CORS,
// routing, negotiation and handler invocation. Every request that reaches a
// terminal state is recorded exactly once.
type Dispatcher struct {
	dc      *Context
	access  *access.Filter
	limiter *ratelimit.Registry
	cors    *cors.Policy

	maxPayload     int64
	handlerTimeout time.Duration
	acquireTimeout time.Duration
	workers        chan struct{}
}

// NewDispatcher creates a dispatcher. Access, Limiter and CORS are required.
func NewDispatcher(dc *Context, opts Options) (*Dispatcher, error) {
	switch {
	case dc == nil:
		return nil, errors.New("dispatcher: context is required")
	case opts.Access == nil:
		return nil, errors.New("dispatcher: access filter is required")
	case opts.Limiter == nil:
		return nil, errors.New("dispatcher: rate limiter is required")
	case opts.CORS == nil:
		return nil, errors.New("dispatcher: cors policy is required")
	case opts.MaxPayloadBytes < 0:
		return nil, fmt.Errorf("dispatcher: negative max payload %d", opts.MaxPayloadBytes)
	case opts.Workers < 0:
		return nil, fmt.Errorf("dispatcher: negative worker count %d", opts.Workers)
	}

	d := &Dispatcher{
		dc:             dc,
		access:         opts.Access,
		limiter:        opts.Limiter,
		cors:           opts.CORS,
		maxPayload:     opts.MaxPayloadBytes,
		handlerTimeout: opts.HandlerTimeout,
		acquireTimeout: opts.WorkerAcquireTimeout,
	}
	if opts.Workers > 0 {
		d.workers = make(chan struct{}, opts.Workers)
	}
	return d, nil
}

// Context returns the dispatch context.
func (d *Dispatcher) Context() *Context {
	return d.dc
}

// Access returns the access filter, for hot reload.
func (d *Dispatcher) Access() *access.Filter {
	return d.access
}

// Limiter returns the rate limit registry, for hot reload.
func (d *Dispatcher) Limiter() *ratelimit.Registry {
	return d.limiter
}

// Dispatch handles one request. It returns nil when the client went away
// before a response was produced; such requests are counted as abandoned.
func (d *Dispatcher) Dispatch(req *Request) *Response {
	metrics := d.dc.metrics

	if d.access.Check(req.RemoteIP) == access.Deny {
		slog.Debug("request filtered", "remote_ip", req.RemoteIP, "request_id", req.RequestID)
		return d.finish(req, "", StateFiltered, d.errorResponse(req, ErrAccessDenied))
	}

	if d.maxPayload > 0 && int64(len(req.Body)) > d.maxPayload {
		return d.finish(req, "", StateReceived, d.errorResponse(req, ErrPayloadTooLarge))
	}

	// Lookup has no side effects, so unmatched paths are charged to the
	// global tier only and still count against the client.
	rt, params, found := d.dc.routes.Resolve(req.Method, req.Path)
	routeKey := ""
	if found {
		routeKey = rt.Key()
	}

	decision := d.limiter.Admit(req.ClientKey, routeKey)
	metrics.RecordVerdict(routeKey, decision.Verdict)
	switch decision.Verdict {
	case ratelimit.Reject:
		slog.Warn("request rejected by rate limit",
			"client", req.ClientKey,
			"route", routeKey,
			"tier", decision.Tier.String(),
			"key", decision.Key,
		)
		resp := d.errorResponse(req, ErrRateLimited)
		resp.Header.Set("Retry-After", "1")
		return d.finish(req, routeKey, StateRateChecked, resp)
	case ratelimit.Degrade:
		slog.Warn("soft rate limit exceeded",
			"client", req.ClientKey,
			"route", routeKey,
			"tier", decision.Tier.String(),
			"key", decision.Key,
		)
	}

	cr := d.cors.Evaluate(req.Method,
		req.Header.Get(cors.HeaderOrigin),
		req.Header.Get(cors.HeaderRequestMethod),
		req.Header.Get(cors.HeaderRequestHeaders),
	)
	if cr.Applicable && cr.Preflight && d.preflightTargetsCORS(req, rt, found) {
		switch {
		case cr.Allow:
			resp := NewResponse(http.StatusOK)
			setHeaders(resp, cr.Headers)
			return d.finish(req, routeKey, StateRateChecked, resp)
		case d.cors.ShortCircuit():
			return d.finish(req, routeKey, StateRateChecked, NewResponse(ErrCorsRejected.StatusCode))
		}
	}

	if !found {
		return d.finish(req, "", StateRouted, d.errorResponse(req, ErrRouteNotFound))
	}
	req.Params = params
	req.Route = routeKey

	neg := d.dc.negotiator
	req.decoder = neg.SelectDecoder(req.Header.Get("Content-Type"), req.Body)
	req.encoder = neg.SelectEncoder(req.Header.Get("Accept"))
	req.fallback = neg.DefaultCodec()

	parent := req.ctx
	release, err := d.acquire(parent)
	if err != nil {
		if parent.Err() != nil {
			return d.abandon(req)
		}
		slog.Warn("no worker available", "route", routeKey, "request_id", req.RequestID)
		return d.finish(req, routeKey, StateNegotiated, ErrorBody(req, ErrServiceUnavailable))
	}

	resp, err := d.invoke(rt.Handler, req)
	release()

	if parent.Err() != nil {
		return d.abandon(req)
	}
	state := StateHandling
	if err != nil {
		state = StateFailed
		resp = d.dc.exceptions(req, err)
		if resp == nil {
			resp = ErrorBody(req, ErrInternal)
		}
	}
	if resp == nil {
		resp = NewResponse(http.StatusNoContent)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}

	if cr.Applicable && cr.Allow && rt.CORS {
		setHeaders(resp, cr.Headers)
	}
	return d.finish(req, routeKey, state, resp)
}

// preflightTargetsCORS reports whether the route a preflight asks about
// takes part in CORS: the OPTIONS route itself when one is registered,
// otherwise the route for the requested method. Unknown targets are
// answered by the policy alone.
func (d *Dispatcher) preflightTargetsCORS(req *Request, rt *route.Route[Handler], found bool) bool {
	if found {
		return rt.CORS
	}
	method := strings.ToUpper(strings.TrimSpace(req.Header.Get(cors.HeaderRequestMethod)))
	target, _, ok := d.dc.routes.Resolve(method, req.Path)
	return !ok || target.CORS
}

// invoke runs the handler under the handler deadline and converts panics
// into errors.
func (d *Dispatcher) invoke(h Handler, req *Request) (resp *Response, err error) {
	parent := req.ctx
	ctx := parent
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.handlerTimeout)
		defer cancel()
	}
	req.ctx = ctx
	defer func() { req.ctx = parent }()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic recovered",
				"error", p,
				"request_id", req.RequestID,
				"route", req.Route,
				"stack", string(debug.Stack()),
			)
			resp = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	return h(req)
}

// acquire takes a worker slot, waiting at most acquireTimeout.
func (d *Dispatcher) acquire(ctx context.Context) (func(), error) {
	if d.workers == nil {
		return func() {}, nil
	}

	release := func() { <-d.workers }
	select {
	case d.workers <- struct{}{}:
		return release, nil
	default:
	}
	if d.acquireTimeout <= 0 {
		return nil, errors.New("worker pool exhausted")
	}

	timer := time.NewTimer(d.acquireTimeout)
	defer timer.Stop()
	select {
	case d.workers <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("no worker within %s", d.acquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// errorResponse renders an API error with the encoder the client asked for.
// It is used before a route is matched, when the request has no encoder yet.
func (d *Dispatcher) errorResponse(req *Request, apiErr *APIError) *Response {
	if req.encoder == nil {
		req.encoder = d.dc.negotiator.SelectEncoder(req.Header.Get("Accept"))
	}
	return ErrorBody(req, apiErr)
}

// finish is the single exit for answered requests: it moves the request
// through Responding to Done and counts it.
func (d *Dispatcher) finish(req *Request, routeKey string, from State, resp *Response) *Response {
	if req.RequestID != "" {
		resp.Header.Set("X-Request-ID", req.RequestID)
	}
	d.dc.metrics.Record(routeKey, resp.Status)
	slog.Debug("request done",
		"request_id", req.RequestID,
		"from", from.String(),
		"status", resp.Status,
	)
	return resp
}

func (d *Dispatcher) abandon(req *Request) *Response {
	slog.Info("client went away", "request_id", req.RequestID, "route", req.Route)
	d.dc.metrics.RecordAbandoned()
	return nil
}

func setHeaders(resp *Response, headers map[string]string) {
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
}
