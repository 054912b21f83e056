package api

import (
	"encoding/json"

	"github.com/sublate/sublate/pkg/manager"
	"github.com/sublate/sublate/pkg/models"
)

// Submission statuses returned by the subtitle endpoints.
const (
	submitStatusQueued    = "queued"
	submitStatusDuplicate = "duplicate"
)

// SubmitResponse is returned by the subtitle submission endpoints.
type SubmitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// JobListResponse is returned by GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// JobEventsResponse is returned by GET /api/v1/jobs/:id/events.
// Events are raw audit envelopes, newest first.
type JobEventsResponse struct {
	JobID  string            `json:"job_id"`
	Events []json.RawMessage `json:"events"`
	Count  int               `json:"count"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                             `json:"status"`
	Version    string                             `json:"version"`
	Components map[string]manager.ComponentHealth `json:"components"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
