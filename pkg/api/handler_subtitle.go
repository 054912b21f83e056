package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sublate/sublate/pkg/manager"
)

// submitDownloadHandler handles POST /api/v1/subtitles/download.
// New submissions return 202; a dedup hit returns 200 with the existing job.
func (s *Server) submitDownloadHandler(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.service.SubmitDownload(c.Request.Context(), manager.SubmitDownloadInput{
		VideoURL:       req.VideoURL,
		TargetLanguage: req.TargetLanguage,
		VideoTitle:     req.VideoTitle,
		IMDBID:         req.IMDBID,
	})
	if err != nil {
		c.JSON(mapServiceError(err))
		return
	}

	c.JSON(submitResponse(result))
}

// submitTranslationHandler handles POST /api/v1/subtitles/translate.
func (s *Server) submitTranslationHandler(c *gin.Context) {
	var req TranslationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.service.SubmitTranslation(c.Request.Context(), manager.SubmitTranslationInput{
		SubtitlePath:   req.SubtitlePath,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		VideoTitle:     req.VideoTitle,
	})
	if err != nil {
		c.JSON(mapServiceError(err))
		return
	}

	c.JSON(submitResponse(result))
}

func submitResponse(result *manager.SubmitResult) (int, SubmitResponse) {
	if result.Duplicate {
		return http.StatusOK, SubmitResponse{
			JobID:   result.JobID,
			Status:  submitStatusDuplicate,
			Message: "a job for this video and language already exists",
		}
	}
	return http.StatusAccepted, SubmitResponse{
		JobID:  result.JobID,
		Status: submitStatusQueued,
	}
}
