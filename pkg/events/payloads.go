package events

// Error type labels carried in job.failed payloads.
const (
	ErrorTypeRateLimit        = "rate_limit"
	ErrorTypeSubtitleNotFound = "subtitle_not_found"
	ErrorTypeInternal         = "internal"
)

// Trigger labels carried in media.file.detected payloads.
const (
	TriggerWatcher   = "watcher"
	TriggerWebhook   = "webhook"
	TriggerWebSocket = "websocket"
	TriggerResync    = "resync"
)

// MediaFileDetectedPayload announces a media item noticed by the scanner.
// Audit-only: it never changes job status.
type MediaFileDetectedPayload struct {
	Path     string `json:"path"`
	Trigger  string `json:"trigger"`
	ItemName string `json:"item_name,omitempty"`
}

// DownloadRequestedPayload accompanies a new download job.
type DownloadRequestedPayload struct {
	VideoURL   string `json:"video_url"`
	VideoTitle string `json:"video_title,omitempty"`
	IMDBID     string `json:"imdb_id,omitempty"`
	Language   string `json:"language"`
}

// DownloadInProgressPayload is published by the downloader on task receipt.
type DownloadInProgressPayload struct {
	Language string `json:"language"`
}

// SubtitleReadyPayload carries the path of a finished subtitle artifact.
type SubtitleReadyPayload struct {
	SubtitlePath string `json:"subtitle_path"`
	Language     string `json:"language"`
}

// TranslateRequestedPayload asks the translator to produce the target language
// from a downloaded fallback subtitle.
type TranslateRequestedPayload struct {
	SubtitlePath   string `json:"subtitle_path"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	VideoTitle     string `json:"video_title,omitempty"`
}

// TranslateInProgressPayload is published by the translator on task receipt.
type TranslateInProgressPayload struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// TranslationCompletedPayload carries the path of a finished translation.
type TranslationCompletedPayload struct {
	ResultPath  string `json:"result_path"`
	Language    string `json:"language"`
	ChunksTotal int    `json:"chunks_total"`
}

// TranslationFailedPayload reports a translation that gave up.
// ChunkIndex is the first chunk that failed fatally, -1 when the failure was
// not chunk-specific (parse error, empty input).
type TranslationFailedPayload struct {
	Error      string `json:"error"`
	ChunkIndex int    `json:"chunk_index"`
}

// JobFailedPayload reports a job that reached a terminal failure.
type JobFailedPayload struct {
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}
