package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/retry"
	"github.com/sublate/sublate/pkg/subtitle"
)

// ErrRateLimited means the LLM endpoint throttled the request.
var ErrRateLimited = errors.New("llm rate limited")

// ChunkRequest is one chunk of segments to translate.
type ChunkRequest struct {
	Segments       []subtitle.Segment
	SourceLanguage string
	TargetLanguage string
	VideoTitle     string
}

// Translator translates one chunk of subtitle segments. Implementations
// must return exactly one translated segment per input segment, matched by
// ID.
type Translator interface {
	TranslateChunk(ctx context.Context, req ChunkRequest) ([]TranslatedSegment, error)
}

// OpenAIClient implements Translator against an OpenAI-compatible chat
// completions endpoint. Each call is a single attempt; the engine wraps
// calls with backoff.
type OpenAIClient struct {
	cfg    config.OpenAIConfig
	model  string
	client *http.Client
	logger *slog.Logger
}

// NewOpenAIClient builds a client for the given model.
func NewOpenAIClient(cfg config.OpenAIConfig, model string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		cfg:    cfg,
		model:  model,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

const systemPromptFormat = `You are a professional subtitle translator. Translate subtitle segments from %s to %s.

Rules:
- Preserve the meaning, tone, and register of the dialogue.
- Keep line breaks inside each segment exactly as in the input.
- Never merge, split, reorder, or drop segments.
- Respond with only a JSON array of objects of the form {"id": <id>, "text": "<translated text>"}, one per input segment, and nothing else.`

// TranslateChunk sends one chunk to the chat completions endpoint and
// parses the translated segments out of the response.
func (c *OpenAIClient) TranslateChunk(ctx context.Context, req ChunkRequest) ([]TranslatedSegment, error) {
	input := make([]TranslatedSegment, 0, len(req.Segments))
	for _, seg := range req.Segments {
		input = append(input, TranslatedSegment{ID: seg.ID, Text: seg.Text})
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	userContent := string(inputJSON)
	if req.VideoTitle != "" {
		userContent = fmt.Sprintf("Video: %s\n\n%s", req.VideoTitle, userContent)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPromptFormat, req.SourceLanguage, req.TargetLanguage)},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("chat request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("llm returned 429: %w", ErrRateLimited))
	case resp.StatusCode >= 500:
		return nil, retry.Transient(fmt.Errorf("llm returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("llm returned unexpected status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to decode chat response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return nil, retry.Transient(fmt.Errorf("chat response carried no choices"))
	}

	translated, err := parseTranslation(chat.Choices[0].Message.Content, req.Segments)
	if err != nil {
		// The model occasionally returns malformed output; a retry usually
		// fixes it.
		return nil, retry.Transient(err)
	}

	c.logger.Debug("Chunk translated",
		"segments", len(req.Segments), "total_tokens", chat.Usage.TotalTokens)
	return translated, nil
}

// parseTranslation extracts the JSON array from the model output, verifies
// every requested segment came back, and returns translations in input
// order.
func parseTranslation(content string, requested []subtitle.Segment) ([]TranslatedSegment, error) {
	var parsed []TranslatedSegment
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse translation output: %w", err)
	}

	byID := make(map[int]string, len(parsed))
	for _, seg := range parsed {
		byID[seg.ID] = seg.Text
	}

	out := make([]TranslatedSegment, 0, len(requested))
	var missing []int
	for _, seg := range requested {
		text, ok := byID[seg.ID]
		if !ok {
			missing = append(missing, seg.ID)
			continue
		}
		out = append(out, TranslatedSegment{ID: seg.ID, Text: text})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("translation output missing segment IDs %v", missing)
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, which chat models
// like to wrap JSON in despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
