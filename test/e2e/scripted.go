package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/sublate/sublate/pkg/catalog"
	"github.com/sublate/sublate/pkg/translate"
)

// ScriptedCatalog implements catalog.Catalog with per-language scripted
// candidates. Languages with no script come back empty, which the tiered
// search reports as catalog.ErrNotFound, so an unscripted catalog behaves
// like a provider that has nothing.
type ScriptedCatalog struct {
	mu        sync.Mutex
	results   map[string][]catalog.SearchResult
	searchErr map[string]error
	bodies    map[int64][]byte
	searches  map[string]int
	downloads int
}

// NewScriptedCatalog creates an empty scripted catalog.
func NewScriptedCatalog() *ScriptedCatalog {
	return &ScriptedCatalog{
		results:   make(map[string][]catalog.SearchResult),
		searchErr: make(map[string]error),
		bodies:    make(map[int64][]byte),
		searches:  make(map[string]int),
	}
}

// AddSubtitle scripts one candidate for a language, with the payload its
// Download returns.
func (c *ScriptedCatalog) AddSubtitle(language string, result catalog.SearchResult, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result.Language = language
	c.results[language] = append(c.results[language], result)
	c.bodies[result.FileID] = body
}

// FailSearch makes every search in language return err.
func (c *ScriptedCatalog) FailSearch(language string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchErr[language] = err
}

// Searches returns how many searches ran in language, all tiers combined.
func (c *ScriptedCatalog) Searches(language string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searches[language]
}

// Downloads returns how many subtitle payloads were fetched.
func (c *ScriptedCatalog) Downloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads
}

func (c *ScriptedCatalog) search(language string) ([]catalog.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches[language]++
	if err := c.searchErr[language]; err != nil {
		return nil, err
	}
	return append([]catalog.SearchResult(nil), c.results[language]...), nil
}

// SearchByHash implements catalog.Catalog.
func (c *ScriptedCatalog) SearchByHash(_ context.Context, _ string, language string) ([]catalog.SearchResult, error) {
	return c.search(language)
}

// SearchByMetadata implements catalog.Catalog.
func (c *ScriptedCatalog) SearchByMetadata(_ context.Context, _ catalog.Query, language string) ([]catalog.SearchResult, error) {
	return c.search(language)
}

// Download implements catalog.Catalog.
func (c *ScriptedCatalog) Download(_ context.Context, result catalog.SearchResult) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.bodies[result.FileID]
	if !ok {
		return nil, fmt.Errorf("no scripted body for file %d", result.FileID)
	}
	c.downloads++
	return body, nil
}

// ScriptedTranslator implements translate.Translator with a deterministic
// transform: every segment comes back as "[<target>] <original>". Failures
// are injected per chunk, keyed by the chunk's first segment ID, which is
// stable for a fixed fixture and chunk cap.
type ScriptedTranslator struct {
	mu       sync.Mutex
	failures map[int]error
	done     map[int]int
	calls    int
}

// NewScriptedTranslator creates a translator with no failures scripted.
func NewScriptedTranslator() *ScriptedTranslator {
	return &ScriptedTranslator{
		failures: make(map[int]error),
		done:     make(map[int]int),
	}
}

// FailChunk makes the chunk starting at segment firstID fail with err until
// ClearFailures is called.
func (s *ScriptedTranslator) FailChunk(firstID int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[firstID] = err
}

// ClearFailures removes all scripted failures.
func (s *ScriptedTranslator) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[int]error)
}

// Calls returns the total number of TranslateChunk invocations, failed and
// cancelled ones included.
func (s *ScriptedTranslator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Translations returns how many times the chunk starting at segment firstID
// was successfully translated.
func (s *ScriptedTranslator) Translations(firstID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[firstID]
}

// TranslateChunk implements translate.Translator.
func (s *ScriptedTranslator) TranslateChunk(ctx context.Context, req translate.ChunkRequest) ([]translate.TranslatedSegment, error) {
	// A real model call would be cut short by cancellation; so is this one.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("empty chunk")
	}
	first := req.Segments[0].ID
	if err := s.failures[first]; err != nil {
		return nil, err
	}

	out := make([]translate.TranslatedSegment, len(req.Segments))
	for i, seg := range req.Segments {
		out[i] = translate.TranslatedSegment{
			ID:   seg.ID,
			Text: fmt.Sprintf("[%s] %s", req.TargetLanguage, seg.Text),
		}
	}
	s.done[first]++
	return out, nil
}
