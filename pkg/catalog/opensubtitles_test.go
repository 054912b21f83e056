package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/config"
)

func testCatalogConfig(baseURL string) config.CatalogConfig {
	return config.CatalogConfig{
		APIKey:               "test-key",
		UserAgent:            "sublate test",
		BaseURL:              baseURL,
		Timeout:              5 * time.Second,
		MaxRetries:           3,
		RetryDelay:           time.Millisecond,
		RetryMaxDelay:        5 * time.Millisecond,
		RetryExponentialBase: 2,
		RequestsPerWindow:    1000,
		RequestWindow:        time.Second,
	}
}

func searchFixture() string {
	return `{
		"total_count": 2,
		"data": [
			{
				"id": "100",
				"attributes": {
					"language": "en",
					"download_count": 9000,
					"from_trusted": false,
					"moviehash_match": false,
					"release": "Popular.Release",
					"files": [{"file_id": 100, "file_name": "popular.srt"}]
				}
			},
			{
				"id": "200",
				"attributes": {
					"language": "en",
					"download_count": 12,
					"from_trusted": true,
					"moviehash_match": true,
					"release": "Exact.Match",
					"files": [{"file_id": 200, "file_name": "exact.srt"}]
				}
			}
		]
	}`
}

func TestSearchByHashRanksResults(t *testing.T) {
	var gotPath, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAPIKey = r.Header.Get("Api-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchFixture())
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	results, err := c.SearchByHash(context.Background(), "0000000000020000", "en")
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, int64(200), results[0].FileID, "hash match must rank first")
	assert.True(t, results[0].HashMatch)
	assert.Equal(t, "exact.srt", results[0].FileName)
	assert.Equal(t, int64(100), results[1].FileID)

	assert.Contains(t, gotPath, "/subtitles?")
	assert.Contains(t, gotPath, "moviehash=0000000000020000")
	assert.Contains(t, gotPath, "languages=en")
	assert.Equal(t, "test-key", gotAPIKey)
}

func TestSearchByMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1234567", r.URL.Query().Get("imdb_id"))
		assert.Equal(t, "The Movie", r.URL.Query().Get("query"))
		fmt.Fprint(w, searchFixture())
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	results, err := c.SearchByMetadata(context.Background(), Query{Title: "The Movie", IMDBID: "tt1234567"}, "en")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchByMetadataEmptyQuery(t *testing.T) {
	c := NewOpenSubtitles(testCatalogConfig("http://unused.invalid"), nil)
	_, err := c.SearchByMetadata(context.Background(), Query{}, "en")
	require.Error(t, err)
}

func TestSearchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 0, "data": []}`)
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	_, err := c.SearchByHash(context.Background(), "00", "nl")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	_, err := c.SearchByHash(context.Background(), "00", "en")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, searchFixture())
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	results, err := c.SearchByHash(context.Background(), "00", "en")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 200, body["file_id"])
		fmt.Fprintf(w, `{"link": "%s/cdn/exact.srt", "file_name": "exact.srt", "remaining": 99}`, srv.URL)
	})
	mux.HandleFunc("/cdn/exact.srt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1\n00:00:01,000 --> 00:00:02,000\nHello\n")
	})

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	data, err := c.Download(context.Background(), SearchResult{FileID: 200, FileName: "exact.srt"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "Hello")
}

func TestDownloadMissingLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"file_name": "x.srt"}`)
	}))
	defer srv.Close()

	c := NewOpenSubtitles(testCatalogConfig(srv.URL), nil)
	_, err := c.Download(context.Background(), SearchResult{FileID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no link")
}

func TestLoginTokenAttached(t *testing.T) {
	var loginCalls atomic.Int32
	var gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		loginCalls.Add(1)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "alice", creds["username"])
		fmt.Fprint(w, `{"token": "session-token"}`)
	})
	mux.HandleFunc("/subtitles", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, searchFixture())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testCatalogConfig(srv.URL)
	cfg.User = "alice"
	cfg.Password = "secret"
	c := NewOpenSubtitles(cfg, nil)

	_, err := c.SearchByHash(context.Background(), "00", "en")
	require.NoError(t, err)
	_, err = c.SearchByHash(context.Background(), "00", "en")
	require.NoError(t, err)

	assert.Equal(t, "Bearer session-token", gotAuth)
	assert.Equal(t, int32(1), loginCalls.Load(), "login must happen once")
}
