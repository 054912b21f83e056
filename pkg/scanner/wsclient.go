package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/version"
)

// Socket message types exchanged with a Jellyfin-compatible server.
const (
	msgKeepAlive      = "KeepAlive"
	msgForceKeepAlive = "ForceKeepAlive"
	msgLibraryChanged = "LibraryChanged"
)

type socketMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

type libraryChangedData struct {
	ItemsAdded   []string `json:"ItemsAdded"`
	ItemsUpdated []string `json:"ItemsUpdated"`
}

// SocketClient keeps a WebSocket session to the media server open and turns
// LibraryChanged pushes into submissions. The session is best effort: on any
// error the client reconnects with exponential backoff, and the periodic
// resync covers whatever was pushed while disconnected.
type SocketClient struct {
	url       string
	media     *MediaServerClient
	submitter *Submitter
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
}

// NewSocketClient builds a client for the media server named by cfg. The
// API key rides in the socket URL's query string.
func NewSocketClient(cfg config.ScannerConfig, media *MediaServerClient, submitter *Submitter, logger *slog.Logger) (*SocketClient, error) {
	if media == nil {
		panic("scanner.NewSocketClient: media must not be nil")
	}
	if submitter == nil {
		panic("scanner.NewSocketClient: submitter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	socketURL, err := socketURL(cfg.MediaServerURL, cfg.MediaServerAPIKey)
	if err != nil {
		return nil, err
	}

	baseDelay := cfg.WSReconnectDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := cfg.WSMaxReconnectDelay
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	return &SocketClient{
		url:       socketURL,
		media:     media,
		submitter: submitter,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		logger:    logger,
	}, nil
}

// Run maintains the socket session until ctx is done. Each failed connect
// doubles the retry delay up to the cap; a successful connect resets it.
func (c *SocketClient) Run(ctx context.Context) {
	delay := c.baseDelay
	for {
		connected, err := c.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = c.baseDelay
		}
		if err != nil {
			c.logger.Warn("Media server socket session ended",
				"error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if !connected {
			delay = min(delay*2, c.maxDelay)
		}
	}
}

// listen dials the socket and serves one session. The returned bool reports
// whether the dial succeeded, which drives the caller's backoff.
func (c *SocketClient) listen(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial media server socket: %w", err)
	}
	defer func() { _ = conn.Close() }()
	c.logger.Info("Connected to media server socket")

	// Unblock the read loop when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("socket read failed: %w", err)
		}
		c.handleMessage(ctx, conn, msg)
	}
}

func (c *SocketClient) handleMessage(ctx context.Context, conn *websocket.Conn, msg socketMessage) {
	switch msg.MessageType {
	case msgKeepAlive, msgForceKeepAlive:
		if err := conn.WriteJSON(socketMessage{MessageType: msgKeepAlive}); err != nil {
			c.logger.Warn("Failed to answer keep-alive", "error", err)
		}

	case msgLibraryChanged:
		var change libraryChangedData
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			c.logger.Warn("Failed to decode library change", "error", err)
			return
		}
		c.submitItems(ctx, append(change.ItemsAdded, change.ItemsUpdated...))

	default:
		c.logger.Debug("Ignoring socket message", "type", msg.MessageType)
	}
}

// submitItems resolves changed item ids and submits the videos among them.
func (c *SocketClient) submitItems(ctx context.Context, itemIDs []string) {
	for _, itemID := range itemIDs {
		if ctx.Err() != nil {
			return
		}

		item, err := c.media.GetItem(ctx, itemID)
		if err != nil {
			c.logger.Warn("Failed to resolve changed item", "item_id", itemID, "error", err)
			continue
		}
		if _, ok := webhookItemTypes[item.Type]; !ok || item.Path == "" {
			continue
		}

		if _, err := c.submitter.Submit(ctx, Submission{
			VideoURL: item.Path,
			ItemName: item.Name,
			Trigger:  events.TriggerWebSocket,
		}); err != nil {
			c.logger.Error("Failed to submit changed item",
				"item_id", itemID, "path", item.Path, "error", err)
		}
	}
}

// socketURL turns the media server's base URL into its socket endpoint with
// the API key in the query string.
func socketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse media server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("media server url has unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"

	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("deviceId", version.AppName+"-scanner")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
