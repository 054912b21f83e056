package catalog

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAllZeros(t *testing.T) {
	// 128 KiB of zeros: both chunk sums are zero, so the hash is the size.
	data := make([]byte, MinHashableSize)
	hash, err := Hash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000), hash)
}

func TestHashFirstWordCounts(t *testing.T) {
	data := make([]byte, MinHashableSize)
	binary.LittleEndian.PutUint64(data[0:8], 1)

	hash, err := Hash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20001), hash)
}

func TestHashTailChunkCounts(t *testing.T) {
	data := make([]byte, MinHashableSize)
	// Last 8 bytes live in the tail chunk only.
	binary.LittleEndian.PutUint64(data[len(data)-8:], 5)

	hash, err := Hash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20005), hash)
}

func TestHashWrapsOnOverflow(t *testing.T) {
	data := make([]byte, MinHashableSize)
	binary.LittleEndian.PutUint64(data[0:8], ^uint64(0))

	hash, err := Hash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	// size + 0xFFFFFFFFFFFFFFFF wraps to size - 1.
	assert.Equal(t, uint64(0x1FFFF), hash)
}

func TestHashFileTooSmall(t *testing.T) {
	data := make([]byte, MinHashableSize-1)
	_, err := Hash(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrFileTooSmall)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(path, make([]byte, MinHashableSize), 0o644))

	hash, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0000000000020000", hash)
	assert.Equal(t, int64(MinHashableSize), size)
}

func TestHashFileMissing(t *testing.T) {
	_, _, err := HashFile(filepath.Join(t.TempDir(), "gone.mkv"))
	require.Error(t, err)
}

func TestRank(t *testing.T) {
	results := []SearchResult{
		{FileID: 1, DownloadCount: 900},
		{FileID: 2, DownloadCount: 10, FromTrusted: true},
		{FileID: 3, DownloadCount: 5, HashMatch: true},
		{FileID: 4, DownloadCount: 500, FromTrusted: true},
	}
	Rank(results)

	ids := []int64{results[0].FileID, results[1].FileID, results[2].FileID, results[3].FileID}
	assert.Equal(t, []int64{3, 4, 2, 1}, ids)
}
