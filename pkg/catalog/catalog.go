// Package catalog talks to subtitle providers. The Catalog interface is the
// seam the downloader works against; OpenSubtitles is the production
// implementation.
package catalog

import (
	"context"
	"errors"
	"sort"
)

// Sentinel errors mapped from provider responses.
var (
	// ErrNotFound means the provider has no subtitle for the request.
	ErrNotFound = errors.New("subtitle not found")
	// ErrRateLimited means the provider throttled us; the operation may
	// succeed later.
	ErrRateLimited = errors.New("catalog rate limited")
)

// Query drives a metadata search when no file hash is available.
type Query struct {
	Title  string
	IMDBID string
}

// SearchResult is one candidate subtitle from a provider.
type SearchResult struct {
	FileID        int64
	FileName      string
	Language      string
	Release       string
	DownloadCount int
	FromTrusted   bool
	HashMatch     bool
}

// Catalog finds and fetches subtitles for a video.
type Catalog interface {
	// SearchByHash looks up subtitles by the video's OpenSubtitles hash.
	SearchByHash(ctx context.Context, hash string, language string) ([]SearchResult, error)
	// SearchByMetadata looks up subtitles by title or IMDB ID.
	SearchByMetadata(ctx context.Context, query Query, language string) ([]SearchResult, error)
	// Download fetches the subtitle body for a search result.
	Download(ctx context.Context, result SearchResult) ([]byte, error)
}

// Rank orders candidates best first: hash matches beat trusted uploads,
// which beat raw popularity.
func Rank(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.HashMatch != b.HashMatch {
			return a.HashMatch
		}
		if a.FromTrusted != b.FromTrusted {
			return a.FromTrusted
		}
		return a.DownloadCount > b.DownloadCount
	})
}
