package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Thinh-nguyen-03/gatekeep/internal/codec"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// ExceptionHandler turns a handler failure into a response. It must not
// return nil.
type ExceptionHandler func(req *Request, err error) *Response

// DefaultExceptionHandler maps *APIError to its own status, deadline errors
// to 504 and everything else to 500.
func DefaultExceptionHandler(req *Request, err error) *Response {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = ErrTimeout
	default:
		slog.Error("handler failed",
			"request_id", req.RequestID,
			"route", req.Route,
			"error", err,
		)
		apiErr = ErrInternal
	}
	return ErrorBody(req, apiErr)
}

// ErrorBody renders an API error with the request's encoder, falling back to
// JSON when the encoder cannot represent the error body.
func ErrorBody(req *Request, apiErr *APIError) *Response {
	resp := NewResponse(apiErr.StatusCode)
	body := ErrorResponse{
		Error:     apiErr.Code,
		Message:   apiErr.Message,
		RequestID: req.RequestID,
	}

	enc := req.encoder
	if enc == nil {
		enc = codec.JSON{}
	}
	data, err := enc.Encode(body)
	if err != nil {
		enc = codec.JSON{}
		data, err = enc.Encode(body)
		if err != nil {
			return resp
		}
	}
	resp.Header.Set("Content-Type", enc.ContentType())
	resp.Body = data
	return resp
}

// Context bundles the collaborators every dispatch needs. It is immutable
// and shared by all requests.
type Context struct {
	routes     *route.Table[Handler]
	negotiator *codec.Negotiator
	exceptions ExceptionHandler
	metrics    *Metrics
}

// NewContext wires the dispatch context. All collaborators are required.
func NewContext(routes *route.Table[Handler], negotiator *codec.Negotiator, exceptions ExceptionHandler, metrics *Metrics) (*Context, error) {
	switch {
	case routes == nil:
		return nil, errors.New("dispatch context: route table is required")
	case negotiator == nil:
		return nil, errors.New("dispatch context: negotiator is required")
	case exceptions == nil:
		return nil, errors.New("dispatch context: exception handler is required")
	case metrics == nil:
		return nil, errors.New("dispatch context: metrics are required")
	}
	return &Context{
		routes:     routes,
		negotiator: negotiator,
		exceptions: exceptions,
		metrics:    metrics,
	}, nil
}

// Routes returns the route table.
func (c *Context) Routes() *route.Table[Handler] { return c.routes }

// Negotiator returns the content negotiator.
func (c *Context) Negotiator() *codec.Negotiator { return c.negotiator }

// Metrics returns the request counters.
func (c *Context) Metrics() *Metrics { return c.metrics }
