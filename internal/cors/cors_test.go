package cors

import (
	"net/http"
	"testing"
)

func TestEvaluate_Disabled(t *testing.T) {
	p := New(Config{Enabled: false, AllowedOrigins: []string{"*"}})

	for _, method := range []string{http.MethodOptions, http.MethodGet} {
		res := p.Evaluate(method, "foo.bar", "GET", "")
		if res.Applicable || len(res.Headers) != 0 {
			t.Errorf("Evaluate(%s) = %+v, want not applicable with no headers", method, res)
		}
	}
}

func TestEvaluate_NoOrigin(t *testing.T) {
	p := New(Config{Enabled: true, AllowedOrigins: []string{"foo.bar"}})

	if res := p.Evaluate(http.MethodOptions, "", "GET", ""); res.Applicable {
		t.Errorf("OPTIONS without Origin = %+v, want not applicable", res)
	}
}

func TestEvaluate_PreflightAllowed(t *testing.T) {
	p := New(Config{Enabled: true, AllowedOrigins: []string{"foo.bar"}})

	res := p.Evaluate(http.MethodOptions, "foo.bar", "get", "X-One, X-Two")
	if !res.Applicable || !res.Preflight || !res.Allow {
		t.Fatalf("Evaluate = %+v, want allowed preflight", res)
	}

	want := map[string]string{
		HeaderAllowOrigin:  "foo.bar",
		HeaderAllowMethods: "GET",
		HeaderAllowHeaders: "X-One, X-Two",
		HeaderVary:         HeaderOrigin,
	}
	for k, v := range want {
		if res.Headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, res.Headers[k], v)
		}
	}
	if _, ok := res.Headers[HeaderAllowCredentials]; ok {
		t.Error("credentials header set without allow_credentials")
	}
}

func TestEvaluate_PreflightConfiguredMethodsAndHeaders(t *testing.T) {
	p := New(Config{
		Enabled:        true,
		AllowedOrigins: []string{"foo.bar"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"foo-header"},
		MaxAgeSeconds:  600,
	})

	res := p.Evaluate(http.MethodOptions, "foo.bar", "POST", "bar-header")
	if got := res.Headers[HeaderAllowMethods]; got != "GET" {
		t.Errorf("allow-methods = %q, want %q", got, "GET")
	}
	if got := res.Headers[HeaderAllowHeaders]; got != "foo-header" {
		t.Errorf("allow-headers = %q, want %q", got, "foo-header")
	}
	if got := res.Headers[HeaderMaxAge]; got != "600" {
		t.Errorf("max-age = %q, want %q", got, "600")
	}
}

func TestEvaluate_PreflightDisallowed(t *testing.T) {
	p := New(Config{Enabled: true, AllowedOrigins: []string{"foo.bar"}, ShortCircuit: true})

	res := p.Evaluate(http.MethodOptions, "baz.qux", "GET", "")
	if !res.Applicable || !res.Preflight || res.Allow {
		t.Fatalf("Evaluate = %+v, want applicable disallowed preflight", res)
	}
	if len(res.Headers) != 0 {
		t.Errorf("disallowed preflight headers = %v, want none", res.Headers)
	}
	if !p.ShortCircuit() {
		t.Error("ShortCircuit() = false, want true")
	}
}

func TestEvaluate_EmptyOriginListAllowsNothing(t *testing.T) {
	p := New(Config{Enabled: true, ShortCircuit: true})

	if res := p.Evaluate(http.MethodOptions, "foo.bar", "GET", ""); res.Allow {
		t.Errorf("Evaluate = %+v, want disallowed", res)
	}
}

func TestEvaluate_InFlight(t *testing.T) {
	p := New(Config{
		Enabled:          true,
		AllowedOrigins:   []string{"foo.bar"},
		AllowCredentials: true,
		ExposedHeaders:   []string{"X-Request-ID"},
	})

	res := p.Evaluate(http.MethodGet, "foo.bar", "GET", "")
	if !res.Applicable || res.Preflight || !res.Allow {
		t.Fatalf("Evaluate = %+v, want allowed in-flight", res)
	}
	if got := res.Headers[HeaderAllowOrigin]; got != "foo.bar" {
		t.Errorf("allow-origin = %q, want foo.bar", got)
	}
	if got := res.Headers[HeaderAllowCredentials]; got != "true" {
		t.Errorf("allow-credentials = %q, want true", got)
	}
	if got := res.Headers[HeaderExposeHeaders]; got != "X-Request-ID" {
		t.Errorf("expose-headers = %q, want X-Request-ID", got)
	}
	if _, ok := res.Headers[HeaderAllowMethods]; ok {
		t.Error("in-flight response must not carry allow-methods")
	}
}

func TestEvaluate_Wildcard(t *testing.T) {
	p := New(Config{Enabled: true, AllowedOrigins: []string{"*"}})
	res := p.Evaluate(http.MethodGet, "anything.example", "", "")
	if got := res.Headers[HeaderAllowOrigin]; got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}

	withCreds := New(Config{Enabled: true, AllowedOrigins: []string{"*"}, AllowCredentials: true})
	res = withCreds.Evaluate(http.MethodGet, "anything.example", "", "")
	if got := res.Headers[HeaderAllowOrigin]; got != "anything.example" {
		t.Errorf("allow-origin with credentials = %q, want echoed origin", got)
	}
}
