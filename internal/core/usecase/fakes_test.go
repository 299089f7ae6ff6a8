package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	vector []float32
	usage  domain.TokenUsage
	err    error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, domain.TokenUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, domain.TokenUsage{}, f.err
	}
	return f.vector, f.usage, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	mu       sync.Mutex
	calls    int
	keywords []string
	usage    domain.TokenUsage
	err      error
}

func (f *fakeExtractor) ExtractKeywords(_ context.Context, _ string, _ int) ([]string, domain.TokenUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, domain.TokenUsage{}, f.err
	}
	return f.keywords, f.usage, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIndex struct {
	mu      sync.Mutex
	calls   []domain.SearchParams
	results map[float64][]domain.RetrievalCandidate
	err     error
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, params domain.SearchParams) ([]domain.RetrievalCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[params.MinScore], nil
}

func (f *fakeIndex) callParams() []domain.SearchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SearchParams, len(f.calls))
	copy(out, f.calls)
	return out
}

// mapCache is an in-process CacheStore for tests, round-tripping values
// through JSON the way the real backends do.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
	setErr  error
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string, out any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, c.getErr
	}
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *mapCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *mapCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type fakeLedger struct {
	mu         sync.Mutex
	allow      bool
	checkErr   error
	checks     int
	increments []domain.TokenUsage
	stats      domain.UsageStats
}

func (f *fakeLedger) CheckQuota(_ context.Context, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.allow, f.checkErr
}

func (f *fakeLedger) Increment(_ context.Context, _ string, usage domain.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, usage)
	return nil
}

func (f *fakeLedger) UsageStats(_ context.Context, _ string) (domain.UsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeLedger) recorded() []domain.TokenUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TokenUsage, len(f.increments))
	copy(out, f.increments)
	return out
}

type fakeStream struct {
	chunks []ports.CompletionChunk
	errAt  int
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (ports.CompletionChunk, error) {
	if s.err != nil && s.pos == s.errAt {
		return ports.CompletionChunk{}, s.err
	}
	if s.pos >= len(s.chunks) {
		return ports.CompletionChunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeCompleter struct {
	stream    *fakeStream
	streamErr error
	reply     string
	usage     domain.TokenUsage
}

func (f *fakeCompleter) Complete(_ context.Context, _ ports.CompletionRequest) (string, domain.TokenUsage, error) {
	return f.reply, f.usage, nil
}

func (f *fakeCompleter) StreamComplete(_ context.Context, _ ports.CompletionRequest) (ports.CompletionStream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

var errBackendDown = errors.New("backend down")
