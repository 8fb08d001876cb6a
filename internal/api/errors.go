package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Thinh-nguyen-03/gatekeep/internal/api/middleware"
	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// StatusClientClosedRequest is recorded when the client went away before a
// response was produced.
const StatusClientClosedRequest = 499

// RespondWithError writes a transport-level error, one that happened
// before the request reached the dispatcher.
func RespondWithError(c *gin.Context, err *dispatch.APIError) {
	c.AbortWithStatusJSON(err.StatusCode, dispatch.ErrorResponse{
		Error:     err.Code,
		Message:   err.Message,
		RequestID: middleware.GetRequestID(c),
	})
}
