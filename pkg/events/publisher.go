package events

import (
	"context"
	"fmt"
)

// BusPublisher is the broker surface the publisher needs. *broker.Broker
// satisfies it; tests substitute an in-memory bus.
type BusPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
}

// Publisher emits typed event envelopes to the topic exchange on behalf of one
// service. Each public method accepts a payload struct from payloads.go, wraps
// it in an envelope stamped with the service name, and publishes it under the
// kind's routing key.
type Publisher struct {
	bus    BusPublisher
	source string
}

// NewPublisher creates a Publisher stamping envelopes with the given service
// name ("manager", "downloader", ...).
func NewPublisher(bus BusPublisher, source string) *Publisher {
	return &Publisher{bus: bus, source: source}
}

// Source returns the service name stamped on published envelopes.
func (p *Publisher) Source() string {
	return p.source
}

// PublishMediaFileDetected announces a media item noticed by the scanner.
func (p *Publisher) PublishMediaFileDetected(ctx context.Context, jobID string, payload MediaFileDetectedPayload) error {
	return p.publish(ctx, KindMediaFileDetected, jobID, payload)
}

// PublishDownloadRequested announces a newly submitted download job.
func (p *Publisher) PublishDownloadRequested(ctx context.Context, jobID string, payload DownloadRequestedPayload) error {
	return p.publish(ctx, KindDownloadRequested, jobID, payload)
}

// PublishDownloadInProgress marks a download task as picked up by a worker.
func (p *Publisher) PublishDownloadInProgress(ctx context.Context, jobID string, payload DownloadInProgressPayload) error {
	return p.publish(ctx, KindDownloadInProgress, jobID, payload)
}

// PublishSubtitleReady announces a finished subtitle artifact.
func (p *Publisher) PublishSubtitleReady(ctx context.Context, jobID string, payload SubtitleReadyPayload) error {
	return p.publish(ctx, KindSubtitleReady, jobID, payload)
}

// PublishTranslateRequested hands a job over to the translation stage.
func (p *Publisher) PublishTranslateRequested(ctx context.Context, jobID string, payload TranslateRequestedPayload) error {
	return p.publish(ctx, KindTranslateRequested, jobID, payload)
}

// PublishTranslateInProgress marks a translation task as picked up by a worker.
func (p *Publisher) PublishTranslateInProgress(ctx context.Context, jobID string, payload TranslateInProgressPayload) error {
	return p.publish(ctx, KindTranslateInProgress, jobID, payload)
}

// PublishTranslationCompleted announces a finished translation artifact.
func (p *Publisher) PublishTranslationCompleted(ctx context.Context, jobID string, payload TranslationCompletedPayload) error {
	return p.publish(ctx, KindTranslationCompleted, jobID, payload)
}

// PublishTranslationFailed reports a translation that exhausted its retries.
func (p *Publisher) PublishTranslationFailed(ctx context.Context, jobID string, payload TranslationFailedPayload) error {
	return p.publish(ctx, KindTranslationFailed, jobID, payload)
}

// PublishJobFailed reports a terminal job failure.
func (p *Publisher) PublishJobFailed(ctx context.Context, jobID string, payload JobFailedPayload) error {
	return p.publish(ctx, KindJobFailed, jobID, payload)
}

func (p *Publisher) publish(ctx context.Context, eventType, jobID string, payload any) error {
	body, err := Wrap(eventType, p.source, jobID, payload)
	if err != nil {
		return err
	}
	if err := p.bus.PublishEvent(ctx, eventType, body); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}
