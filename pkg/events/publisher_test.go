package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPublish struct {
	routingKey string
	body       []byte
}

type fakeBus struct {
	published []capturedPublish
	err       error
}

func (f *fakeBus) PublishEvent(_ context.Context, routingKey string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, capturedPublish{routingKey: routingKey, body: body})
	return nil
}

func TestPublisherRoutingKeysMatchKinds(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "manager")
	ctx := context.Background()

	require.NoError(t, p.PublishDownloadRequested(ctx, "j1", DownloadRequestedPayload{VideoURL: "/m.mkv", Language: "en"}))
	require.NoError(t, p.PublishSubtitleReady(ctx, "j1", SubtitleReadyPayload{SubtitlePath: "/m.en.srt", Language: "en"}))
	require.NoError(t, p.PublishJobFailed(ctx, "j1", JobFailedPayload{ErrorType: ErrorTypeRateLimit, Error: "429"}))

	require.Len(t, bus.published, 3)
	assert.Equal(t, KindDownloadRequested, bus.published[0].routingKey)
	assert.Equal(t, KindSubtitleReady, bus.published[1].routingKey)
	assert.Equal(t, KindJobFailed, bus.published[2].routingKey)

	env, payload, err := Unwrap[JobFailedPayload](bus.published[2].body)
	require.NoError(t, err)
	assert.Equal(t, "manager", env.Source)
	assert.Equal(t, "j1", env.JobID)
	assert.Equal(t, ErrorTypeRateLimit, payload.ErrorType)
}

func TestPublisherPropagatesBusError(t *testing.T) {
	bus := &fakeBus{err: errors.New("connection reset")}
	p := NewPublisher(bus, "downloader")

	err := p.PublishDownloadInProgress(context.Background(), "j2", DownloadInProgressPayload{Language: "en"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), KindDownloadInProgress)
}
