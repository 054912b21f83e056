package models

import "time"

// DownloadTask is the payload carried on the subtitle.download work queue.
type DownloadTask struct {
	JobID      string    `json:"job_id"`
	VideoURL   string    `json:"video_url"`
	VideoTitle string    `json:"video_title,omitempty"`
	IMDBID     string    `json:"imdb_id,omitempty"`
	Language   string    `json:"language"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	Priority   int       `json:"priority"`
}

// TranslationTask is the payload carried on the subtitle.translate work queue.
type TranslationTask struct {
	JobID            string    `json:"job_id"`
	SubtitleFilePath string    `json:"subtitle_file_path"`
	SourceLanguage   string    `json:"source_language"`
	TargetLanguage   string    `json:"target_language"`
	VideoTitle       string    `json:"video_title,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	RetryCount       int       `json:"retry_count"`
}
