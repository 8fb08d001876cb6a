package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Thinh-nguyen-03/gatekeep/internal/api/middleware"
)

// setupRouter configures the Gin router. Gin itself routes nothing: every
// request falls through to the dispatcher, which owns the route table.
func (s *Server) setupRouter() {
	// Set Gin mode based on configuration
	if s.config.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router without default middleware (we use our own)
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	// Middleware chain (order matters!)
	// 1. Recovery - catch panics outside the dispatcher
	router.Use(middleware.Recovery())

	// 2. Request ID - handed to the dispatcher and echoed back
	router.Use(middleware.RequestID())

	// 3. Logging - logs all requests (uses request ID and route)
	router.Use(middleware.Logging())

	router.NoRoute(s.handleDispatch)

	s.router = router
}
