package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sublate/sublate/pkg/models"
)

// TranslatedSegment pairs an original segment ID with its translated text.
type TranslatedSegment struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Checkpoint captures translation progress so a restarted worker can resume
// instead of re-translating finished chunks. It is only valid for the exact
// same language pair and chunking it was written for.
type Checkpoint struct {
	JobID          string                      `json:"job_id"`
	SourceLanguage string                      `json:"source_language"`
	TargetLanguage string                      `json:"target_language"`
	ChunksTotal    int                         `json:"chunks_total"`
	Chunks         map[int][]TranslatedSegment `json:"chunks"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// NewCheckpoint starts an empty checkpoint for a job.
func NewCheckpoint(jobID, sourceLanguage, targetLanguage string, chunksTotal int) *Checkpoint {
	return &Checkpoint{
		JobID:          jobID,
		SourceLanguage: sourceLanguage,
		TargetLanguage: targetLanguage,
		ChunksTotal:    chunksTotal,
		Chunks:         make(map[int][]TranslatedSegment),
		UpdatedAt:      models.Now(),
	}
}

// Matches reports whether the checkpoint belongs to the given job and
// chunking layout. A mismatch means the source file or configuration
// changed since the checkpoint was written, so it must be discarded.
func (c *Checkpoint) Matches(jobID, sourceLanguage, targetLanguage string, chunksTotal int) bool {
	return c.JobID == jobID &&
		c.SourceLanguage == sourceLanguage &&
		c.TargetLanguage == targetLanguage &&
		c.ChunksTotal == chunksTotal
}

// Encode serializes the checkpoint for storage.
func (c *Checkpoint) Encode() ([]byte, error) {
	c.UpdatedAt = models.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses stored checkpoint JSON.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.Chunks == nil {
		c.Chunks = make(map[int][]TranslatedSegment)
	}
	return &c, nil
}
