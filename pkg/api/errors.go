package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sublate/sublate/pkg/manager"
)

// mapServiceError maps service-layer errors to an HTTP status and body.
func mapServiceError(err error) (int, ErrorResponse) {
	var validErr *manager.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, ErrorResponse{Error: validErr.Error()}
	}
	if errors.Is(err, manager.ErrNotFound) {
		return http.StatusNotFound, ErrorResponse{Error: "job not found"}
	}
	if errors.Is(err, manager.ErrUnavailable) {
		return http.StatusServiceUnavailable, ErrorResponse{Error: "service temporarily unavailable"}
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
}
