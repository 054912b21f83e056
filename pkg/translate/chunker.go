package translate

import (
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/subtitle"
)

// Chunk is a contiguous run of segments translated in one LLM request.
type Chunk struct {
	Index    int
	Segments []subtitle.Segment
	Tokens   int
}

// BuildChunks splits segments into chunks that fit the token budget after
// the safety margin, never exceeding the per-chunk segment cap. A single
// segment larger than the whole budget becomes its own chunk rather than
// being dropped.
func BuildChunks(segments []subtitle.Segment, cfg config.TranslationConfig) []Chunk {
	budget := int(float64(cfg.MaxTokensPerChunk) * cfg.TokenSafetyMargin)
	if budget <= 0 {
		budget = cfg.MaxTokensPerChunk
	}
	maxSegments := cfg.MaxSegmentsPerChunk
	if maxSegments <= 0 {
		maxSegments = 100
	}

	var chunks []Chunk
	var current []subtitle.Segment
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Segments: current,
			Tokens:   currentTokens,
		})
		current = nil
		currentTokens = 0
	}

	for _, seg := range segments {
		segTokens := EstimateTokens(seg.Text)
		if len(current) > 0 && (currentTokens+segTokens > budget || len(current) >= maxSegments) {
			flush()
		}
		current = append(current, seg)
		currentTokens += segTokens
	}
	flush()

	return chunks
}
