package catalog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// The OpenSubtitles hash folds the first and last 64 KiB of the file into
// the file size as little-endian uint64 additions with wrap-around.
const (
	hashChunkSize   = 64 * 1024
	MinHashableSize = 2 * hashChunkSize
)

// ErrFileTooSmall means the video is under 128 KiB, below the minimum the
// hash is defined for. Callers fall back to metadata search.
var ErrFileTooSmall = fmt.Errorf("file too small for moviehash")

// HashFile computes the OpenSubtitles moviehash of the file at path and
// returns it as a 16-digit lowercase hex string along with the file size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open video file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat video file: %w", err)
	}

	hash, err := Hash(f, info.Size())
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", hash), info.Size(), nil
}

// Hash computes the moviehash over r, which must cover size bytes.
func Hash(r io.ReaderAt, size int64) (uint64, error) {
	if size < MinHashableSize {
		return 0, ErrFileTooSmall
	}

	hash := uint64(size)

	sum, err := chunkSum(r, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to hash head chunk: %w", err)
	}
	hash += sum

	sum, err = chunkSum(r, size-hashChunkSize)
	if err != nil {
		return 0, fmt.Errorf("failed to hash tail chunk: %w", err)
	}
	hash += sum

	return hash, nil
}

func chunkSum(r io.ReaderAt, offset int64) (uint64, error) {
	buf := make([]byte, hashChunkSize)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	var sum uint64
	for i := 0; i < hashChunkSize; i += 8 {
		sum += binary.LittleEndian.Uint64(buf[i : i+8])
	}
	return sum, nil
}
