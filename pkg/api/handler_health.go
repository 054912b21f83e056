package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sublate/sublate/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. It reports broker and store
// connectivity; either being down makes the whole response 503 so a
// supervisor restarts the manager only when it genuinely cannot work.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h := s.service.Health(reqCtx)

	status := healthStatusHealthy
	httpStatus := http.StatusOK
	if !h.Healthy {
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:     status,
		Version:    version.GitCommit,
		Components: h.Components,
	})
}
