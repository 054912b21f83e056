// Package dedup prevents duplicate subtitle work for the same video and
// language. A fingerprint of the normalized video URL plus the language is
// reserved in Redis with SetNX and a TTL, so repeated submissions inside the
// window resolve to the already-running job.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dedup:"

// DefaultTTL is how long a reservation shields the same video/language pair
// from re-submission.
const DefaultTTL = 24 * time.Hour

// Fingerprint hashes the normalized video URL and the lowercased language
// into a stable hex digest. Two submissions that differ only in URL casing
// of scheme or host, a trailing slash, or percent-encoding produce the same
// fingerprint.
func Fingerprint(videoURL, language string) string {
	normalized := normalizeURL(videoURL) + "|" + strings.ToLower(language)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// normalizeURL canonicalizes a video locator. Real URLs get a lowercased
// scheme and host, decoded percent-escapes, and no trailing slash. Plain
// filesystem paths keep their case; only trailing slashes are dropped.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return trimTrailingSlash(raw)
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteString("@")
	}
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(trimTrailingSlash(u.Path))
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

func trimTrailingSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimRight(p, "/")
	}
	return p
}

// Index is the Redis-backed reservation table.
type Index struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New builds an index over an existing Redis client. A non-positive ttl
// falls back to DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{rdb: rdb, ttl: ttl, logger: logger}
}

// Reserve attempts to claim the fingerprint for jobID. On success it returns
// ("", true, nil). If another job already holds the fingerprint it returns
// (existingJobID, false, nil).
func (i *Index) Reserve(ctx context.Context, fingerprint, jobID string) (string, bool, error) {
	key := keyPrefix + fingerprint

	// The reservation can expire between SetNX and Get, so losing the race
	// gets one more claim attempt.
	for attempt := 0; attempt < 2; attempt++ {
		set, err := i.rdb.SetNX(ctx, key, jobID, i.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve fingerprint: %w", err)
		}
		if set {
			return "", true, nil
		}

		existing, err := i.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read fingerprint owner: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("failed to reserve fingerprint: reservation kept vanishing")
}

// Release drops a reservation so the pair can be resubmitted immediately.
// Used when job setup fails after the reservation was taken.
func (i *Index) Release(ctx context.Context, fingerprint string) error {
	if err := i.rdb.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("failed to release fingerprint: %w", err)
	}
	return nil
}

// Refresh re-arms the reservation's TTL. Workers call it as a job makes
// progress so a long translation does not outlive its own dedup window.
// Refreshing a reservation that already expired is a no-op, not an error.
func (i *Index) Refresh(ctx context.Context, fingerprint string) error {
	if err := i.rdb.Expire(ctx, keyPrefix+fingerprint, i.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh fingerprint: %w", err)
	}
	return nil
}
