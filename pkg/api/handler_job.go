package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// getJobHandler handles GET /api/v1/jobs/:id.
func (s *Server) getJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid job id"})
		return
	}

	job, err := s.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, job)
}

// getJobEventsHandler handles GET /api/v1/jobs/:id/events.
func (s *Server) getJobEventsHandler(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid job id"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	entries, err := s.service.GetEvents(c.Request.Context(), jobID, limit)
	if err != nil {
		c.JSON(mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, JobEventsResponse{JobID: jobID, Events: entries, Count: len(entries)})
}

// listJobsHandler handles GET /api/v1/jobs.
func (s *Server) listJobsHandler(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	jobs, err := s.service.ListJobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// parseLimit reads the optional ?limit= query parameter. It writes the 400
// response itself and returns ok=false on invalid input.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
