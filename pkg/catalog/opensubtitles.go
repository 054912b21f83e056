package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/retry"
)

// maxSubtitleBytes caps how much of a subtitle download we are willing to
// read. Real .srt files are a few hundred KiB at most.
const maxSubtitleBytes = 10 << 20

// OpenSubtitles implements Catalog against the OpenSubtitles REST API.
// Requests are spaced by a client-side limiter; authenticated sessions are
// established lazily when credentials are configured.
type OpenSubtitles struct {
	cfg     config.CatalogConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	token string
}

// NewOpenSubtitles builds a client from the catalog configuration.
func NewOpenSubtitles(cfg config.CatalogConfig, logger *slog.Logger) *OpenSubtitles {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.RequestWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	perWindow := cfg.RequestsPerWindow
	if perWindow <= 0 {
		perWindow = 40
	}
	return &OpenSubtitles{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(perWindow)), perWindow),
		logger:  logger,
	}
}

// SearchByHash looks up subtitles whose uploads match the video's
// moviehash. Results come back ranked best first.
func (c *OpenSubtitles) SearchByHash(ctx context.Context, hash string, language string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("moviehash", hash)
	params.Set("languages", language)
	return c.search(ctx, params)
}

// SearchByMetadata looks up subtitles by IMDB ID or title. Results come
// back ranked best first.
func (c *OpenSubtitles) SearchByMetadata(ctx context.Context, query Query, language string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("languages", language)
	if query.IMDBID != "" {
		params.Set("imdb_id", strings.TrimPrefix(query.IMDBID, "tt"))
	}
	if query.Title != "" {
		params.Set("query", query.Title)
	}
	if query.IMDBID == "" && query.Title == "" {
		return nil, fmt.Errorf("metadata search needs a title or IMDB ID")
	}
	return c.search(ctx, params)
}

type searchResponse struct {
	TotalCount int `json:"total_count"`
	Data       []struct {
		ID         string `json:"id"`
		Attributes struct {
			Language       string `json:"language"`
			DownloadCount  int    `json:"download_count"`
			FromTrusted    bool   `json:"from_trusted"`
			MoviehashMatch bool   `json:"moviehash_match"`
			Release        string `json:"release"`
			Files          []struct {
				FileID   int64  `json:"file_id"`
				FileName string `json:"file_name"`
			} `json:"files"`
		} `json:"attributes"`
	} `json:"data"`
}

func (c *OpenSubtitles) search(ctx context.Context, params url.Values) ([]SearchResult, error) {
	var resp searchResponse
	err := c.doJSON(ctx, http.MethodGet, "/subtitles?"+params.Encode(), nil, &resp)
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("search", outcomeLabel(err)).Inc()
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Data))
	for _, item := range resp.Data {
		attrs := item.Attributes
		if len(attrs.Files) == 0 {
			continue
		}
		results = append(results, SearchResult{
			FileID:        attrs.Files[0].FileID,
			FileName:      attrs.Files[0].FileName,
			Language:      attrs.Language,
			Release:       attrs.Release,
			DownloadCount: attrs.DownloadCount,
			FromTrusted:   attrs.FromTrusted,
			HashMatch:     attrs.MoviehashMatch,
		})
	}
	if len(results) == 0 {
		metrics.CatalogRequestsTotal.WithLabelValues("search", "not_found").Inc()
		return nil, fmt.Errorf("no subtitles for %s: %w", params.Get("languages"), ErrNotFound)
	}

	Rank(results)
	metrics.CatalogRequestsTotal.WithLabelValues("search", "success").Inc()
	return results, nil
}

type downloadResponse struct {
	Link      string `json:"link"`
	FileName  string `json:"file_name"`
	Remaining int    `json:"remaining"`
}

// Download resolves the result's temporary link and fetches the subtitle
// body.
func (c *OpenSubtitles) Download(ctx context.Context, result SearchResult) ([]byte, error) {
	body := map[string]any{"file_id": result.FileID}
	var resp downloadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/download", body, &resp); err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("download", outcomeLabel(err)).Inc()
		return nil, err
	}
	if resp.Link == "" {
		metrics.CatalogRequestsTotal.WithLabelValues("download", "error").Inc()
		return nil, fmt.Errorf("download response for file %d carried no link", result.FileID)
	}
	c.logger.Debug("Resolved subtitle download link",
		"file_id", result.FileID, "remaining", resp.Remaining)

	data, err := c.fetchLink(ctx, resp.Link)
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("download", outcomeLabel(err)).Inc()
		return nil, err
	}
	metrics.CatalogRequestsTotal.WithLabelValues("download", "success").Inc()
	return data, nil
}

// fetchLink pulls the subtitle bytes from the short-lived CDN link returned
// by the download endpoint.
func (c *OpenSubtitles) fetchLink(ctx context.Context, link string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, c.retryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return fmt.Errorf("failed to build subtitle fetch request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("failed to fetch subtitle: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return retry.Transient(fmt.Errorf("subtitle fetch returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("subtitle fetch returned status %d", resp.StatusCode)
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxSubtitleBytes))
		if err != nil {
			return retry.Transient(fmt.Errorf("failed to read subtitle body: %w", err))
		}
		return nil
	})
	return data, err
}

func (c *OpenSubtitles) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  c.cfg.MaxRetries,
		InitialDelay: c.cfg.RetryDelay,
		MaxDelay:     c.cfg.RetryMaxDelay,
		Multiplier:   c.cfg.RetryExponentialBase,
	}
}

// doJSON performs a rate-limited, retried API call and decodes the JSON
// response into out.
func (c *OpenSubtitles) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("catalog limiter: %w", err)
	}
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode catalog request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig(), func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build catalog request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("catalog request failed: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("catalog returned 429: %w", ErrRateLimited)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("catalog returned 404: %w", ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("catalog auth rejected with status %d", resp.StatusCode)
		case resp.StatusCode >= 500:
			return retry.Transient(fmt.Errorf("catalog returned status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("catalog returned unexpected status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
		return nil
	})
}

func (c *OpenSubtitles) setHeaders(req *http.Request) {
	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()
}

// ensureToken logs in once when credentials are configured. Anonymous use
// works with just the API key, at a lower download quota.
func (c *OpenSubtitles) ensureToken(ctx context.Context) error {
	if c.cfg.User == "" || c.cfg.Password == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"username": c.cfg.User,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog login failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog login rejected with status %d", resp.StatusCode)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if loginResp.Token == "" {
		return fmt.Errorf("catalog login returned empty token")
	}

	c.token = loginResp.Token
	c.logger.Info("Authenticated with subtitle catalog", "user", c.cfg.User)
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
