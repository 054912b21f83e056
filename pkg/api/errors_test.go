package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sublate/sublate/pkg/manager"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "validation error",
			err:      manager.NewValidationError("target_language", "must be a two-letter lowercase language code"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "wrapped validation error",
			err:      fmt.Errorf("submit: %w", manager.NewValidationError("video_url", "required")),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not found",
			err:      manager.ErrNotFound,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "wrapped not found",
			err:      fmt.Errorf("job abc: %w", manager.ErrNotFound),
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unavailable",
			err:      fmt.Errorf("%w: dial tcp: connection refused", manager.ErrUnavailable),
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "unknown error",
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := mapServiceError(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMapServiceErrorKeepsValidationDetail(t *testing.T) {
	_, resp := mapServiceError(manager.NewValidationError("target_language", "must differ from source"))
	assert.Contains(t, resp.Error, "target_language")
	assert.Contains(t, resp.Error, "must differ from source")
}

func TestMapServiceErrorHidesInternalDetail(t *testing.T) {
	_, resp := mapServiceError(errors.New("redis: pipeline exploded at 0x1234"))
	assert.Equal(t, "internal server error", resp.Error)
}
