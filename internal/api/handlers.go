package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Thinh-nguyen-03/gatekeep/internal/api/middleware"
	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// handleDispatch converts the gin request, runs it through the dispatcher
// and writes the result.
func (s *Server) handleDispatch(c *gin.Context) {
	body, err := s.readBody(c.Request)
	if err != nil {
		slog.Debug("reading request body",
			"request_id", middleware.GetRequestID(c),
			"error", err,
		)
		metrics := s.dispatcher.Context().Metrics()
		if c.Request.Context().Err() != nil {
			metrics.RecordAbandoned()
			c.AbortWithStatus(StatusClientClosedRequest)
			return
		}
		metrics.Record("", dispatch.ErrBadRequest.StatusCode)
		RespondWithError(c, dispatch.ErrBadRequest)
		return
	}

	// RemoteIP is the socket peer; forwarding headers are not trusted.
	req := dispatch.NewRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
		c.Request.Header, body, c.RemoteIP())
	req.RequestID = middleware.GetRequestID(c)
	if s.config.ClientKeyHeader != "" {
		if key := c.GetHeader(s.config.ClientKeyHeader); key != "" {
			req.ClientKey = key
		}
	}

	resp := s.dispatcher.Dispatch(req)
	if req.Route != "" {
		c.Set(middleware.RouteKey, req.Route)
	}

	if resp == nil {
		c.AbortWithStatus(StatusClientClosedRequest)
		return
	}

	header := c.Writer.Header()
	for k, vs := range resp.Header {
		header[k] = vs
	}
	c.Status(resp.Status)
	if len(resp.Body) == 0 {
		c.Writer.WriteHeaderNow()
		return
	}
	if _, err := c.Writer.Write(resp.Body); err != nil {
		slog.Debug("writing response", "request_id", req.RequestID, "error", err)
	}
}

// readBody reads at most one byte past the payload limit, enough for the
// dispatcher to tell that the body is too large.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	var src io.Reader = r.Body
	if limit := s.config.MaxPayloadBytes; limit > 0 {
		src = io.LimitReader(r.Body, limit+1)
	}
	return io.ReadAll(src)
}
