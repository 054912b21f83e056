package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/test/util"
)

func TestFingerprintNormalization(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{
			name: "scheme and host case folded",
			a:    "HTTP://Media.Example.COM/show/ep1.mkv",
			b:    "http://media.example.com/show/ep1.mkv",
			same: true,
		},
		{
			name: "trailing slash stripped",
			a:    "http://media.example.com/show/ep1.mkv/",
			b:    "http://media.example.com/show/ep1.mkv",
			same: true,
		},
		{
			name: "percent escapes decoded",
			a:    "http://media.example.com/My%20Show/ep1.mkv",
			b:    "http://media.example.com/My Show/ep1.mkv",
			same: true,
		},
		{
			name: "path case preserved for plain files",
			a:    "/media/Show/Episode.mkv",
			b:    "/media/show/episode.mkv",
			same: false,
		},
		{
			name: "plain path trailing slash stripped",
			a:    "/media/Show/Episode.mkv/",
			b:    "/media/Show/Episode.mkv",
			same: true,
		},
		{
			name: "url path case significant",
			a:    "http://media.example.com/Show/ep1.mkv",
			b:    "http://media.example.com/show/ep1.mkv",
			same: false,
		},
		{
			name: "different query differs",
			a:    "http://media.example.com/ep1.mkv?v=1",
			b:    "http://media.example.com/ep1.mkv?v=2",
			same: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fpA := Fingerprint(tt.a, "nl")
			fpB := Fingerprint(tt.b, "nl")
			if tt.same {
				assert.Equal(t, fpA, fpB)
			} else {
				assert.NotEqual(t, fpA, fpB)
			}
		})
	}
}

func TestFingerprintLanguageCaseFolded(t *testing.T) {
	assert.Equal(t, Fingerprint("/media/a.mkv", "NL"), Fingerprint("/media/a.mkv", "nl"))
	assert.NotEqual(t, Fingerprint("/media/a.mkv", "nl"), Fingerprint("/media/a.mkv", "de"))
}

func TestFingerprintIsHexDigest(t *testing.T) {
	fp := Fingerprint("/media/a.mkv", "en")
	assert.Len(t, fp, 64)
	assert.Regexp(t, "^[0-9a-f]+$", fp)
}

func testIndex(t *testing.T, ttl time.Duration) *Index {
	t.Helper()
	util.SkipIfShort(t)

	opts, err := redis.ParseURL(util.SharedStoreURL(t))
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl, nil)
}

func TestReserveAndConflict(t *testing.T) {
	idx := testIndex(t, time.Minute)
	ctx := context.Background()

	fp := Fingerprint("/media/"+uuid.NewString()+".mkv", "nl")

	existing, reserved, err := idx.Reserve(ctx, fp, "job-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, existing)

	existing, reserved, err = idx.Reserve(ctx, fp, "job-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "job-1", existing)
}

func TestReleaseAllowsResubmission(t *testing.T) {
	idx := testIndex(t, time.Minute)
	ctx := context.Background()

	fp := Fingerprint("/media/"+uuid.NewString()+".mkv", "de")

	_, reserved, err := idx.Reserve(ctx, fp, "job-1")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, idx.Release(ctx, fp))

	_, reserved, err = idx.Reserve(ctx, fp, "job-2")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestReserveExpires(t *testing.T) {
	idx := testIndex(t, time.Second)
	ctx := context.Background()

	fp := Fingerprint("/media/"+uuid.NewString()+".mkv", "fr")

	_, reserved, err := idx.Reserve(ctx, fp, "job-1")
	require.NoError(t, err)
	require.True(t, reserved)

	time.Sleep(1500 * time.Millisecond)

	_, reserved, err = idx.Reserve(ctx, fp, "job-2")
	require.NoError(t, err)
	assert.True(t, reserved, "reservation should expire with its TTL")
}

func TestRefreshExtendsReservation(t *testing.T) {
	idx := testIndex(t, time.Second)
	ctx := context.Background()

	fp := Fingerprint("/media/"+uuid.NewString()+".mkv", "es")

	_, reserved, err := idx.Reserve(ctx, fp, "job-1")
	require.NoError(t, err)
	require.True(t, reserved)

	// Keep touching the reservation past its original TTL.
	for i := 0; i < 3; i++ {
		time.Sleep(600 * time.Millisecond)
		require.NoError(t, idx.Refresh(ctx, fp))
	}

	existing, reserved, err := idx.Reserve(ctx, fp, "job-2")
	require.NoError(t, err)
	assert.False(t, reserved, "refreshed reservation must still hold")
	assert.Equal(t, "job-1", existing)
}

func TestRefreshMissingIsNoop(t *testing.T) {
	idx := testIndex(t, time.Minute)
	ctx := context.Background()

	fp := Fingerprint("/media/"+uuid.NewString()+".mkv", "it")
	assert.NoError(t, idx.Refresh(ctx, fp))
}
