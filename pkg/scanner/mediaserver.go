package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sublate/sublate/pkg/version"
)

// libraryPageSize bounds one page of a library listing. Jellyfin handles
// larger pages fine; this keeps response sizes predictable on big libraries.
const libraryPageSize = 500

// LibraryItem is one video known to the media server.
type LibraryItem struct {
	ID   string
	Name string
	Type string
	Path string
}

// MediaServerClient talks to a Jellyfin-compatible REST API.
type MediaServerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewMediaServerClient creates a client authenticated with the given API
// key.
func NewMediaServerClient(baseURL, apiKey string, logger *slog.Logger) *MediaServerClient {
	if baseURL == "" {
		panic("scanner.NewMediaServerClient: baseURL must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaServerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type mediaItem struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
	Type string `json:"Type"`
	Path string `json:"Path"`
}

type itemsResponse struct {
	Items            []mediaItem `json:"Items"`
	TotalRecordCount int         `json:"TotalRecordCount"`
}

// GetItem fetches one library item by id.
func (c *MediaServerClient) GetItem(ctx context.Context, itemID string) (*LibraryItem, error) {
	query := url.Values{}
	query.Set("ids", itemID)
	query.Set("fields", "Path")

	var page itemsResponse
	if err := c.get(ctx, "/Items", query, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("media server has no item %s", itemID)
	}

	item := page.Items[0]
	return &LibraryItem{ID: item.ID, Name: item.Name, Type: item.Type, Path: item.Path}, nil
}

// ListLibrary walks the whole library and returns every movie and episode.
// Results are fetched page by page so large libraries do not produce one
// enormous response.
func (c *MediaServerClient) ListLibrary(ctx context.Context) ([]LibraryItem, error) {
	var items []LibraryItem
	for start := 0; ; {
		query := url.Values{}
		query.Set("recursive", "true")
		query.Set("includeItemTypes", "Movie,Episode")
		query.Set("fields", "Path")
		query.Set("startIndex", strconv.Itoa(start))
		query.Set("limit", strconv.Itoa(libraryPageSize))

		var page itemsResponse
		if err := c.get(ctx, "/Items", query, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			items = append(items, LibraryItem{
				ID: item.ID, Name: item.Name, Type: item.Type, Path: item.Path,
			})
		}

		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			return items, nil
		}
	}
}

func (c *MediaServerClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build media server request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach media server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("media server rejected the API key: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("media server returned %s for %s", resp.Status, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode media server response: %w", err)
	}
	return nil
}
