package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/observability/metrics"
)

// EmbedConfig tunes the embedding and keyword stage.
type EmbedConfig struct {
	EmbeddingModel string
	KeywordMax     int
	CacheTTL       time.Duration
}

// embeddingEntry is the cached product of one question: its vector and its
// extracted keywords travel together, so a cache hit costs zero provider
// calls.
type embeddingEntry struct {
	Vector   []float32 `json:"vector"`
	Keywords []string  `json:"keywords"`
}

// EmbedStage turns a normalized question into a query vector and a keyword
// list, fanning both provider calls out concurrently on a cache miss.
type EmbedStage struct {
	embedder  ports.EmbeddingProvider
	extractor ports.KeywordExtractor
	cache     ports.CacheStore
	cfg       EmbedConfig
	logger    *slog.Logger
	metrics   *metrics.Pipeline
}

func NewEmbedStage(
	embedder ports.EmbeddingProvider,
	extractor ports.KeywordExtractor,
	cache ports.CacheStore,
	cfg EmbedConfig,
	logger *slog.Logger,
	pipelineMetrics *metrics.Pipeline,
) *EmbedStage {
	return &EmbedStage{
		embedder:  embedder,
		extractor: extractor,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		metrics:   pipelineMetrics,
	}
}

// Embed resolves the vector and keywords for a normalized question. Keyword
// extraction failures degrade to an empty keyword list; embedding failures
// fail the call. The returned usage covers only provider calls actually made.
func (s *EmbedStage) Embed(ctx context.Context, normalizedQuestion string) ([]float32, []string, domain.TokenUsage, error) {
	key := s.cacheKey(normalizedQuestion)

	var entry embeddingEntry
	hit, err := s.cache.Get(ctx, key, &entry)
	if err != nil {
		s.logger.Warn("embedding_cache_read_failed", slog.String("error", err.Error()))
	}
	s.metrics.CacheLookup("embedding", hit)
	if hit {
		return entry.Vector, entry.Keywords, domain.TokenUsage{}, nil
	}

	var (
		wg           sync.WaitGroup
		vector       []float32
		embedUsage   domain.TokenUsage
		embedErr     error
		keywords     []string
		keywordUsage domain.TokenUsage
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vector, embedUsage, embedErr = s.embedder.EmbedQuery(ctx, normalizedQuestion)
	}()
	go func() {
		defer wg.Done()
		var keywordErr error
		keywords, keywordUsage, keywordErr = s.extractor.ExtractKeywords(ctx, normalizedQuestion, s.cfg.KeywordMax)
		if keywordErr != nil {
			s.logger.Warn("keyword_extraction_failed", slog.String("error", keywordErr.Error()))
			keywords = nil
			keywordUsage = domain.TokenUsage{}
		}
	}()
	wg.Wait()

	if embedErr != nil {
		return nil, nil, keywordUsage, embedErr
	}

	usage := embedUsage.Add(keywordUsage)

	entry = embeddingEntry{Vector: vector, Keywords: keywords}
	if err := s.cache.Set(ctx, key, entry, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("embedding_cache_write_failed", slog.String("error", err.Error()))
	}
	return vector, keywords, usage, nil
}

func (s *EmbedStage) cacheKey(normalizedQuestion string) string {
	h := sha256.New()
	h.Write([]byte(s.cfg.EmbeddingModel))
	h.Write([]byte{0})
	h.Write([]byte(normalizedQuestion))
	return "embedding:" + hex.EncodeToString(h.Sum(nil))
}
