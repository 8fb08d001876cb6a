package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
	"github.com/Thinh-nguyen-03/gatekeep/internal/codec"
	"github.com/Thinh-nguyen-03/gatekeep/internal/cors"
	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// frozen keeps token buckets from refilling during a test.
func frozen() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

type setup struct {
	global    ratelimit.Rates
	overrides map[string]ratelimit.Rates
	access    access.Config
	cors      cors.Config
	opts      Options
}

func newTestDispatcher(t *testing.T, b *route.Builder[Handler], s setup) *Dispatcher {
	t.Helper()

	table, err := b.Compile(ratelimit.Rates{})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Global:    s.global,
		Routes:    table.Rates(),
		Overrides: s.overrides,
	}, ratelimit.WithClock(frozen))
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	filter, err := access.New(s.access)
	if err != nil {
		t.Fatalf("access.New() error: %v", err)
	}
	neg, err := codec.Default(codec.MIMEJSON)
	if err != nil {
		t.Fatalf("codec.Default() error: %v", err)
	}

	var keys []string
	for _, r := range table.Routes() {
		keys = append(keys, r.Key())
	}
	dc, err := NewContext(table, neg, DefaultExceptionHandler, NewMetrics(keys...))
	if err != nil {
		t.Fatalf("NewContext() error: %v", err)
	}

	opts := s.opts
	opts.Access = filter
	opts.Limiter = limiter
	opts.CORS = cors.New(s.cors)
	d, err := NewDispatcher(dc, opts)
	if err != nil {
		t.Fatalf("NewDispatcher() error: %v", err)
	}
	return d
}

func get(path string) *Request {
	return NewRequest(context.Background(), http.MethodGet, path, nil, nil, "192.0.2.1")
}

func hello(req *Request) (*Response, error) {
	return Text(http.StatusOK, "hello "+req.Header.Get(cors.HeaderOrigin)), nil
}

func TestDispatch_OK(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/users/:id", func(req *Request) (*Response, error) {
		return req.OK(map[string]string{"id": req.Param("id")})
	})
	d := newTestDispatcher(t, b, setup{})

	req := get("/users/42")
	req.RequestID = "req-1"
	resp := d.Dispatch(req)

	if resp.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	if got := string(resp.Body); got != `{"id":"42"}` {
		t.Errorf("Body = %s, want {\"id\":\"42\"}", got)
	}
	if got := resp.Header.Get("Content-Type"); got != codec.MIMEJSON {
		t.Errorf("Content-Type = %q, want %q", got, codec.MIMEJSON)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q, want req-1", got)
	}

	m := d.Context().Metrics()
	if m.Requests() != 1 || m.StatusCount(http.StatusOK) != 1 {
		t.Errorf("Requests = %d, 200s = %d, want 1 and 1", m.Requests(), m.StatusCount(http.StatusOK))
	}
}

func TestDispatch_AccessDeniedSpendsNoBudget(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/", hello)
	d := newTestDispatcher(t, b, setup{
		global: ratelimit.Rates{Soft: 0, Hard: 1},
		access: access.Config{
			EnableBlackList: true,
			BlackList:       []string{"10.0.0.1"},
			EnableWhiteList: true,
			WhiteList:       []string{"10.0.0.1", "192.0.2.1"},
		},
	})

	blocked := NewRequest(context.Background(), http.MethodGet, "/", nil, nil, "10.0.0.1")
	for i := 0; i < 3; i++ {
		if resp := d.Dispatch(blocked); resp.Status != http.StatusForbidden {
			t.Fatalf("blocked Status = %d, want 403", resp.Status)
		}
	}

	// the single global token is still there
	if resp := d.Dispatch(get("/")); resp.Status != http.StatusOK {
		t.Errorf("allowed Status = %d, want 200", resp.Status)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	var calls atomic.Int32
	b := route.NewBuilder[Handler]()
	b.Get("/limited", func(req *Request) (*Response, error) {
		calls.Add(1)
		return NewResponse(http.StatusOK), nil
	}, route.WithLimit(0, 1))
	d := newTestDispatcher(t, b, setup{})

	if resp := d.Dispatch(get("/limited")); resp.Status != http.StatusOK {
		t.Fatalf("first Status = %d, want 200", resp.Status)
	}
	resp := d.Dispatch(get("/limited"))
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("second Status = %d, want 429", resp.Status)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}

	snap := d.Context().Metrics().Snapshot()
	if snap.Rejected != 1 || snap.Allowed != 1 {
		t.Errorf("Allowed = %d, Rejected = %d, want 1 and 1", snap.Allowed, snap.Rejected)
	}
}

func TestDispatch_SoftLimitOnlyDegrades(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/", hello)
	d := newTestDispatcher(t, b, setup{global: ratelimit.Rates{Soft: 1, Hard: 100}})

	for i := 0; i < 5; i++ {
		if resp := d.Dispatch(get("/")); resp.Status != http.StatusOK {
			t.Fatalf("request %d Status = %d, want 200", i, resp.Status)
		}
	}
	snap := d.Context().Metrics().Snapshot()
	if snap.Degraded != 4 {
		t.Errorf("Degraded = %d, want 4", snap.Degraded)
	}
}

func TestDispatch_OverrideGoverns(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/limited", hello, route.WithLimit(0, 1))
	d := newTestDispatcher(t, b, setup{
		global:    ratelimit.Rates{Soft: 0, Hard: 1},
		overrides: map[string]ratelimit.Rates{"vip": {}},
	})

	for i := 0; i < 10; i++ {
		req := get("/limited")
		req.ClientKey = "vip"
		if resp := d.Dispatch(req); resp.Status != http.StatusOK {
			t.Fatalf("vip request %d Status = %d, want 200", i, resp.Status)
		}
	}
}

func TestDispatch_NotFoundChargesGlobalOnly(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/limited", hello, route.WithLimit(0, 1))

	d := newTestDispatcher(t, b, setup{})
	resp := d.Dispatch(get("/missing"))
	if resp.Status != http.StatusNotFound {
		t.Fatalf("Status = %d, want 404", resp.Status)
	}
	if !strings.Contains(string(resp.Body), `"error":"not_found"`) {
		t.Errorf("Body = %s, want not_found error", resp.Body)
	}
	if resp := d.Dispatch(get("/limited")); resp.Status != http.StatusOK {
		t.Errorf("route tier was charged by a 404: Status = %d", resp.Status)
	}

	d = newTestDispatcher(t, b, setup{global: ratelimit.Rates{Soft: 0, Hard: 1}})
	d.Dispatch(get("/missing"))
	if resp := d.Dispatch(get("/limited")); resp.Status != http.StatusTooManyRequests {
		t.Errorf("global tier not charged by a 404: Status = %d", resp.Status)
	}
}

func TestDispatch_PayloadTooLarge(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Post("/upload", hello)
	d := newTestDispatcher(t, b, setup{opts: Options{MaxPayloadBytes: 4}})

	req := NewRequest(context.Background(), http.MethodPost, "/upload", nil, []byte("12345"), "192.0.2.1")
	if resp := d.Dispatch(req); resp.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want 413", resp.Status)
	}
}

func TestDispatch_CORS(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/", hello)
	b.Get("/private", hello, route.WithoutCORS())

	preflight := func(path, origin string) *Request {
		h := http.Header{}
		h.Set(cors.HeaderOrigin, origin)
		h.Set(cors.HeaderRequestMethod, "GET")
		return NewRequest(context.Background(), http.MethodOptions, path, h, nil, "192.0.2.1")
	}
	inFlight := func(path string) *Request {
		req := get(path)
		req.Header.Set(cors.HeaderOrigin, "foo.bar")
		return req
	}

	t.Run("disabled", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cors.Config{Enabled: false, AllowedOrigins: []string{"*"}}})
		resp := d.Dispatch(inFlight("/"))
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "" {
			t.Errorf("allow-origin = %q, want none", got)
		}
	})

	cfg := cors.Config{Enabled: true, AllowedOrigins: []string{"foo.bar"}, ShortCircuit: true}

	t.Run("disallowed preflight short circuits", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cfg})
		resp := d.Dispatch(preflight("/", "baz.qux"))
		if resp.Status != http.StatusForbidden {
			t.Errorf("Status = %d, want 403", resp.Status)
		}
		if len(resp.Body) != 0 {
			t.Errorf("Body = %q, want empty", resp.Body)
		}
	})

	t.Run("allowed preflight", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cfg})
		resp := d.Dispatch(preflight("/", "foo.bar"))
		if resp.Status != http.StatusOK {
			t.Errorf("Status = %d, want 200", resp.Status)
		}
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "foo.bar" {
			t.Errorf("allow-origin = %q, want foo.bar", got)
		}
	})

	t.Run("preflight for route without CORS gets no grant", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cfg})
		resp := d.Dispatch(preflight("/private", "foo.bar"))
		if resp.Status == http.StatusOK {
			t.Errorf("Status = 200, want the preflight to fall through to routing")
		}
		for _, h := range []string{cors.HeaderAllowOrigin, cors.HeaderAllowMethods} {
			if got := resp.Header.Get(h); got != "" {
				t.Errorf("%s = %q, want none", h, got)
			}
		}

		b2 := route.NewBuilder[Handler]()
		b2.Handle(http.MethodOptions, "/private", hello, route.WithoutCORS())
		d = newTestDispatcher(t, b2, setup{cors: cfg})
		resp = d.Dispatch(preflight("/private", "foo.bar"))
		if resp.Status != http.StatusOK || string(resp.Body) != "hello foo.bar" {
			t.Errorf("Dispatch = %d %q, want the OPTIONS handler", resp.Status, resp.Body)
		}
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "" {
			t.Errorf("allow-origin = %q, want none", got)
		}
	})

	t.Run("disallowed preflight without short circuit continues", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cors.Config{Enabled: true, AllowedOrigins: []string{"foo.bar"}}})
		resp := d.Dispatch(preflight("/", "baz.qux"))
		if resp.Status != http.StatusNotFound {
			t.Errorf("Status = %d, want 404 from routing", resp.Status)
		}
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "" {
			t.Errorf("allow-origin = %q, want none", got)
		}
	})

	t.Run("in-flight", func(t *testing.T) {
		d := newTestDispatcher(t, b, setup{cors: cfg})
		resp := d.Dispatch(inFlight("/"))
		if got := string(resp.Body); got != "hello foo.bar" {
			t.Errorf("Body = %q, want %q", got, "hello foo.bar")
		}
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "foo.bar" {
			t.Errorf("allow-origin = %q, want foo.bar", got)
		}

		resp = d.Dispatch(inFlight("/private"))
		if got := resp.Header.Get(cors.HeaderAllowOrigin); got != "" {
			t.Errorf("route without CORS got allow-origin %q", got)
		}
	})
}

func TestDispatch_HandlerFailures(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/api-error", func(req *Request) (*Response, error) {
		return nil, NotFound("user", "ada")
	})
	b.Get("/wrapped", func(req *Request) (*Response, error) {
		return nil, errors.Join(errors.New("lookup"), ErrServiceUnavailable)
	})
	b.Get("/plain", func(req *Request) (*Response, error) {
		return nil, errors.New("boom")
	})
	b.Get("/panic", func(req *Request) (*Response, error) {
		panic("kaboom")
	})
	b.Get("/slow", func(req *Request) (*Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	b.Get("/empty", func(req *Request) (*Response, error) {
		return nil, nil
	})
	d := newTestDispatcher(t, b, setup{opts: Options{HandlerTimeout: 20 * time.Millisecond}})

	tests := []struct {
		path string
		want int
	}{
		{"/api-error", http.StatusNotFound},
		{"/wrapped", http.StatusServiceUnavailable},
		{"/plain", http.StatusInternalServerError},
		{"/panic", http.StatusInternalServerError},
		{"/slow", http.StatusGatewayTimeout},
		{"/empty", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := d.Dispatch(get(tt.path))
			if resp.Status != tt.want {
				t.Errorf("Status = %d, want %d", resp.Status, tt.want)
			}
		})
	}

	m := d.Context().Metrics()
	if m.Requests() != int64(len(tests)) {
		t.Errorf("Requests = %d, want %d", m.Requests(), len(tests))
	}
	if got := m.StatusCount(http.StatusInternalServerError); got != 2 {
		t.Errorf("500s = %d, want 2", got)
	}
}

func TestDispatch_Negotiation(t *testing.T) {
	type signup struct {
		Email string `json:"email" yaml:"email" validate:"required,email"`
	}

	b := route.NewBuilder[Handler]()
	b.Post("/signup", func(req *Request) (*Response, error) {
		var in signup
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return req.Respond(http.StatusCreated, in)
	})
	d := newTestDispatcher(t, b, setup{})

	post := func(contentType, accept, body string) *Response {
		h := http.Header{}
		h.Set("Content-Type", contentType)
		h.Set("Accept", accept)
		return d.Dispatch(NewRequest(context.Background(), http.MethodPost, "/signup", h, []byte(body), "192.0.2.1"))
	}

	resp := post("application/json", "application/yaml", `{"email":"ada@example.com"}`)
	if resp.Status != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", resp.Status)
	}
	if got := resp.Header.Get("Content-Type"); got != codec.MIMEYAML {
		t.Errorf("Content-Type = %q, want %q", got, codec.MIMEYAML)
	}
	if got := string(resp.Body); got != "email: ada@example.com\n" {
		t.Errorf("Body = %q", got)
	}

	resp = post("application/yaml", "", "email: not-an-email\n")
	if resp.Status != http.StatusBadRequest {
		t.Errorf("invalid email Status = %d, want 400", resp.Status)
	}

	resp = post("application/json", "", `{"email":`)
	if resp.Status != http.StatusBadRequest {
		t.Errorf("malformed body Status = %d, want 400", resp.Status)
	}
}

func TestDispatch_UnrepresentableValueUsesDefaultCodec(t *testing.T) {
	type status struct {
		State string `json:"state"`
	}

	b := route.NewBuilder[Handler]()
	b.Get("/status", func(req *Request) (*Response, error) {
		return req.OK(status{State: "up"})
	})
	b.Get("/word", func(req *Request) (*Response, error) {
		return req.OK("up")
	})
	d := newTestDispatcher(t, b, setup{})

	for _, accept := range []string{"text/plain", codec.MIMEProtobuf} {
		req := get("/status")
		req.Header.Set("Accept", accept)
		resp := d.Dispatch(req)

		if resp.Status != http.StatusOK {
			t.Errorf("Accept %s: Status = %d, want 200 (%s)", accept, resp.Status, resp.Body)
			continue
		}
		if got := resp.Header.Get("Content-Type"); got != codec.MIMEJSON {
			t.Errorf("Accept %s: Content-Type = %q, want %q", accept, got, codec.MIMEJSON)
		}
		if got := string(resp.Body); got != `{"state":"up"}` {
			t.Errorf("Accept %s: Body = %q", accept, got)
		}
	}
	if got := d.Context().Metrics().StatusCount(http.StatusInternalServerError); got != 0 {
		t.Errorf("StatusCount(500) = %d, want 0", got)
	}

	req := get("/word")
	req.Header.Set("Accept", "text/plain")
	resp := d.Dispatch(req)
	if got := resp.Header.Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("string under text/plain: Content-Type = %q", got)
	}
	if string(resp.Body) != "up" {
		t.Errorf("string under text/plain: Body = %q, want up", resp.Body)
	}
}

func TestDispatch_Abandoned(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/", func(req *Request) (*Response, error) {
		return NewResponse(http.StatusOK), nil
	})
	d := newTestDispatcher(t, b, setup{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := NewRequest(ctx, http.MethodGet, "/", nil, nil, "192.0.2.1")

	if resp := d.Dispatch(req); resp != nil {
		t.Fatalf("Dispatch = %+v, want nil for a gone client", resp)
	}
	m := d.Context().Metrics()
	if m.Abandoned() != 1 || m.Requests() != 0 {
		t.Errorf("Abandoned = %d, Requests = %d, want 1 and 0", m.Abandoned(), m.Requests())
	}
}

func TestDispatch_WorkerPoolExhausted(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})

	b := route.NewBuilder[Handler]()
	b.Get("/block", func(req *Request) (*Response, error) {
		close(started)
		<-unblock
		return NewResponse(http.StatusOK), nil
	})
	b.Get("/fast", func(req *Request) (*Response, error) {
		return NewResponse(http.StatusOK), nil
	})
	d := newTestDispatcher(t, b, setup{opts: Options{Workers: 1, WorkerAcquireTimeout: 10 * time.Millisecond}})

	done := make(chan *Response)
	go func() { done <- d.Dispatch(get("/block")) }()
	<-started

	if resp := d.Dispatch(get("/fast")); resp.Status != http.StatusServiceUnavailable {
		t.Errorf("Status with no free worker = %d, want 503", resp.Status)
	}

	close(unblock)
	if resp := <-done; resp.Status != http.StatusOK {
		t.Errorf("blocked request Status = %d, want 200", resp.Status)
	}
	if resp := d.Dispatch(get("/fast")); resp.Status != http.StatusOK {
		t.Errorf("Status after release = %d, want 200", resp.Status)
	}
}

func TestDispatch_ConcurrentCountingIsExact(t *testing.T) {
	b := route.NewBuilder[Handler]()
	b.Get("/ok", func(req *Request) (*Response, error) {
		return NewResponse(http.StatusOK), nil
	})
	b.Get("/fail", func(req *Request) (*Response, error) {
		return nil, errors.New("fail")
	})
	d := newTestDispatcher(t, b, setup{})

	const workers = 32
	const perWorker = 60
	paths := []string{"/ok", "/fail", "/missing"}

	var wg conc.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			for i := 0; i < perWorker; i++ {
				d.Dispatch(get(paths[i%len(paths)]))
			}
		})
	}
	wg.Wait()

	m := d.Context().Metrics()
	total := int64(workers * perWorker)
	each := total / int64(len(paths))

	if m.Requests() != total {
		t.Errorf("Requests = %d, want %d", m.Requests(), total)
	}
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError, http.StatusNotFound} {
		if got := m.StatusCount(status); got != each {
			t.Errorf("StatusCount(%d) = %d, want %d", status, got, each)
		}
	}

	snap := m.Snapshot()
	var sum int64
	for _, n := range snap.ByStatus {
		sum += n
	}
	if sum != total {
		t.Errorf("sum of status counters = %d, want %d", sum, total)
	}
}

func TestNewContext_RequiresCollaborators(t *testing.T) {
	table, err := route.NewBuilder[Handler]().Compile(ratelimit.Rates{})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	neg, err := codec.Default(codec.MIMEJSON)
	if err != nil {
		t.Fatalf("codec.Default() error: %v", err)
	}

	if _, err := NewContext(nil, neg, DefaultExceptionHandler, NewMetrics()); err == nil {
		t.Error("NewContext without routes succeeded")
	}
	if _, err := NewContext(table, nil, DefaultExceptionHandler, NewMetrics()); err == nil {
		t.Error("NewContext without negotiator succeeded")
	}
	if _, err := NewContext(table, neg, nil, NewMetrics()); err == nil {
		t.Error("NewContext without exception handler succeeded")
	}
	if _, err := NewContext(table, neg, DefaultExceptionHandler, nil); err == nil {
		t.Error("NewContext without metrics succeeded")
	}
}
