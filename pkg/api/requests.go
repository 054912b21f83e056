package api

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/sublate/sublate/pkg/config"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("langcode", func(fl validator.FieldLevel) bool {
			return config.IsLangCode(fl.Field().String())
		})
	}
}

// DownloadRequest is the HTTP request body for POST /api/v1/subtitles/download.
type DownloadRequest struct {
	VideoURL       string `json:"video_url" binding:"required"`
	TargetLanguage string `json:"target_language" binding:"required,langcode"`
	VideoTitle     string `json:"video_title,omitempty"`
	IMDBID         string `json:"imdb_id,omitempty"`
}

// TranslationRequest is the HTTP request body for POST /api/v1/subtitles/translate.
type TranslationRequest struct {
	SubtitlePath   string `json:"subtitle_path" binding:"required"`
	SourceLanguage string `json:"source_language" binding:"required,langcode"`
	TargetLanguage string `json:"target_language" binding:"required,langcode,nefield=SourceLanguage"`
	VideoTitle     string `json:"video_title,omitempty"`
}
