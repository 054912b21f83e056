// Package models defines the domain types shared by every service: the job
// record, its status lifecycle, and the task payloads carried on the work
// queues. The store holds jobs as flat hashes; everything here is designed to
// survive a string-field round-trip.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subtitle job.
type Status string

const (
	StatusPending             Status = "pending"
	StatusDownloadQueued      Status = "download_queued"
	StatusDownloadInProgress  Status = "download_in_progress"
	StatusDownloadCompleted   Status = "download_completed"
	StatusDownloadFailed      Status = "download_failed"
	StatusTranslateQueued     Status = "translate_queued"
	StatusTranslateInProgress Status = "translate_in_progress"
	StatusTranslateFailed     Status = "translate_failed"
	StatusDone                Status = "done"
	StatusFailed              Status = "failed"
)

// IsTerminal reports whether no further status change is permitted.
// Once terminal, only updated_at may move.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid reports whether s is one of the declared lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloadQueued, StatusDownloadInProgress,
		StatusDownloadCompleted, StatusDownloadFailed,
		StatusTranslateQueued, StatusTranslateInProgress, StatusTranslateFailed,
		StatusDone, StatusFailed:
		return true
	}
	return false
}

// Job is the authoritative record for one subtitle request.
// It is created by the manager, mutated by the event consumer, and read by
// anyone. Workers never write it directly; they publish events instead.
type Job struct {
	JobID              string    `json:"job_id"`
	VideoURL           string    `json:"video_url"`
	VideoTitle         string    `json:"video_title,omitempty"`
	SourceLanguage     string    `json:"source_language"`
	TargetLanguage     string    `json:"target_language,omitempty"`
	Status             Status    `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`
	ResultPath         string    `json:"result_path,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewJob creates a pending job with a fresh id and current timestamps.
func NewJob(videoURL, sourceLanguage, targetLanguage string) *Job {
	now := Now()
	return &Job{
		JobID:          uuid.New().String(),
		VideoURL:       videoURL,
		SourceLanguage: sourceLanguage,
		TargetLanguage: targetLanguage,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a copy that can be mutated without affecting the original.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Language returns the language this job is ultimately producing:
// the target when set, otherwise the source.
func (j *Job) Language() string {
	if j.TargetLanguage != "" {
		return j.TargetLanguage
	}
	return j.SourceLanguage
}

// Now returns the current UTC time at second precision, the resolution every
// persisted timestamp in the system uses.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
