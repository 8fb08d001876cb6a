package main

import (
	"net/http"
	"strings"

	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// echoRequest is accepted in any registered media type.
type echoRequest struct {
	Message string            `json:"message" yaml:"message" toml:"message" codec:"message" validate:"required,max=1024"`
	Tags    map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty" codec:"tags,omitempty"`
}

type echoResponse struct {
	Message   string            `json:"message" yaml:"message" toml:"message" codec:"message"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty" codec:"tags,omitempty"`
	ClientKey string            `json:"client_key" yaml:"client_key" toml:"client_key" codec:"client_key"`
	RequestID string            `json:"request_id" yaml:"request_id" toml:"request_id" codec:"request_id"`
}

// registerExamples adds the echo routes served by the stock binary. They use
// the default per-route limit.
func registerExamples(b *route.Builder[dispatch.Handler]) {
	b.Post("/echo", handleEcho, route.WithDefaultLimit())
	b.Get("/echo/*message", handleEchoPath, route.WithDefaultLimit())
}

// POST /echo
func handleEcho(req *dispatch.Request) (*dispatch.Response, error) {
	var in echoRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	return req.OK(echoResponse{
		Message:   in.Message,
		Tags:      in.Tags,
		ClientKey: req.ClientKey,
		RequestID: req.RequestID,
	})
}

// GET /echo/*message
func handleEchoPath(req *dispatch.Request) (*dispatch.Response, error) {
	msg := strings.TrimPrefix(req.Param("message"), "/")
	if msg == "" {
		return nil, dispatch.ValidationError("message", "must not be empty")
	}
	return req.Respond(http.StatusOK, echoResponse{
		Message:   msg,
		ClientKey: req.ClientKey,
		RequestID: req.RequestID,
	})
}
