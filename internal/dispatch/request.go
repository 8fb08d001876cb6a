// Package dispatch runs inbound requests through admission, routing and
// content negotiation, and invokes the matched handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Thinh-nguyen-03/gatekeep/internal/codec"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// Handler serves one routed request. Returning an error hands it to the
// exception handler; returning a nil Response means 204 No Content.
type Handler func(req *Request) (*Response, error)

// Request is a transport-independent inbound request.
type Request struct {
	Method    string
	Path      string
	Header    http.Header
	Body      []byte
	RemoteIP  string
	ClientKey string
	RequestID string

	// Set once the request is routed.
	Params route.Params
	Route  string

	ctx      context.Context
	decoder  codec.Decoder
	encoder  codec.Encoder
	fallback codec.Encoder
}

// NewRequest builds a request. The client key defaults to the remote IP.
func NewRequest(ctx context.Context, method, path string, header http.Header, body []byte, remoteIP string) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:    strings.ToUpper(method),
		Path:      path,
		Header:    header,
		Body:      body,
		RemoteIP:  remoteIP,
		ClientKey: remoteIP,
		ctx:       ctx,
	}
}

// Context returns the request context. While a handler runs it carries the
// handler deadline.
func (r *Request) Context() context.Context {
	return r.ctx
}

// Param returns a path parameter, or "" if absent.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Encoder returns the negotiated response encoder, or nil before negotiation.
func (r *Request) Encoder() codec.Encoder {
	return r.encoder
}

var validate = validator.New()

// Bind decodes the body with the negotiated decoder and validates struct
// tags. Failures are returned as 400 API errors.
func (r *Request) Bind(v any) error {
	if r.decoder == nil {
		return fmt.Errorf("bind: request not negotiated")
	}
	if len(r.Body) == 0 {
		return NewAPIError("bad_request", "Request body is empty", http.StatusBadRequest)
	}
	if err := r.decoder.Decode(r.Body, v); err != nil {
		if errors.Is(err, codec.ErrUnsupportedValue) {
			return ErrUnsupportedMediaType
		}
		return NewAPIError("bad_request", fmt.Sprintf("Cannot decode %s body: %v", r.decoder.ContentType(), err), http.StatusBadRequest)
	}

	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// not a struct; nothing to validate
			return nil
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ValidationError(verrs[0].Field(), verrs[0].Tag())
		}
		return NewAPIError("bad_request", err.Error(), http.StatusBadRequest)
	}
	return nil
}

// Respond encodes v with the negotiated encoder. A value the negotiated
// encoder cannot represent, such as a struct under Accept: text/plain, is
// written with the default codec instead, then with JSON.
func (r *Request) Respond(status int, v any) (*Response, error) {
	resp := &Response{Status: status, Header: make(http.Header)}
	if v == nil {
		return resp, nil
	}
	if r.encoder == nil {
		return nil, fmt.Errorf("respond: request not negotiated")
	}

	enc := r.encoder
	body, err := enc.Encode(v)
	for _, next := range []codec.Encoder{r.fallback, codec.JSON{}} {
		if err == nil || !errors.Is(err, codec.ErrUnsupportedValue) {
			break
		}
		if next == nil || next.ContentType() == enc.ContentType() {
			continue
		}
		enc = next
		body, err = enc.Encode(v)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", enc.ContentType(), err)
	}
	resp.Header.Set("Content-Type", enc.ContentType())
	resp.Body = body
	return resp, nil
}

// OK is Respond with 200.
func (r *Request) OK(v any) (*Response, error) {
	return r.Respond(http.StatusOK, v)
}

// Response is what a handler, or the dispatcher itself, produces.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Text returns a plain-text response, bypassing negotiation.
func Text(status int, body string) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", codec.Text{}.ContentType())
	resp.Body = []byte(body)
	return resp
}
