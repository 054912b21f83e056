// Package events defines the envelopes published to the subtitle.events topic
// exchange and a typed publisher over the broker.
//
// Routing keys equal event kinds, dotted least-to-most specific, so a consumer
// can bind narrowly ("subtitle.translation.*") or to everything ("#"). Every
// message on the exchange is a JSON Envelope; the payload field is a
// kind-specific object decoded on ingress via Unwrap.
//
// The two *.in_progress kinds exist because workers never write job records:
// publishing them is the only way an in-progress status reaches the store.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sublate/sublate/pkg/models"
)

// Event kinds, used verbatim as routing keys on the topic exchange.
const (
	KindMediaFileDetected    = "media.file.detected"
	KindDownloadRequested    = "subtitle.download.requested"
	KindDownloadInProgress   = "subtitle.download.in_progress"
	KindSubtitleReady        = "subtitle.ready"
	KindTranslateRequested   = "subtitle.translate.requested"
	KindTranslateInProgress  = "subtitle.translate.in_progress"
	KindTranslationCompleted = "subtitle.translation.completed"
	KindTranslationFailed    = "subtitle.translation.failed"
	KindJobFailed            = "job.failed"
)

// Envelope is the wire form of every event on the exchange.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	JobID         string          `json:"job_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Wrap builds an envelope around payload and marshals it for publishing.
func Wrap(eventType, source, jobID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: models.Now(),
		Source:    source,
		JobID:     jobID,
		Payload:   raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}
	return body, nil
}

// Unwrap decodes an envelope and its typed payload.
func Unwrap[T any](body []byte) (Envelope, T, error) {
	var payload T
	env, err := UnwrapEnvelope(body)
	if err != nil {
		return env, payload, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return env, payload, fmt.Errorf("failed to unmarshal %s payload: %w", env.EventType, err)
		}
	}
	return env, payload, nil
}

// UnwrapEnvelope decodes just the envelope, leaving the payload raw.
func UnwrapEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return env, nil
}
