package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/observability/metrics"
)

// RetrievalConfig tunes the adaptive vector search.
type RetrievalConfig struct {
	ShortQueryMaxChars int
	ShortQueryLimit    int
	ShortQueryMinScore float64
	DefaultLimit       int
	DefaultMinScore    float64
	FallbackMinScore   float64
	EFSearch           int
	SearchCacheTTL     time.Duration
}

// RetrievalEngine runs the adaptive search against the vector index with a
// per-call result cache and a single low-threshold fallback.
type RetrievalEngine struct {
	index   ports.VectorIndex
	cache   ports.CacheStore
	cfg     RetrievalConfig
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

func NewRetrievalEngine(
	index ports.VectorIndex,
	cache ports.CacheStore,
	cfg RetrievalConfig,
	logger *slog.Logger,
	pipelineMetrics *metrics.Pipeline,
) *RetrievalEngine {
	return &RetrievalEngine{
		index:   index,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		metrics: pipelineMetrics,
	}
}

// AdaptiveParams picks search parameters from the normalized question length.
// Short questions carry little signal, so they search wider and shallower.
func (e *RetrievalEngine) AdaptiveParams(normalizedQuestion string) domain.SearchParams {
	if len([]rune(normalizedQuestion)) <= e.cfg.ShortQueryMaxChars {
		return domain.SearchParams{
			Limit:    e.cfg.ShortQueryLimit,
			MinScore: e.cfg.ShortQueryMinScore,
			EFSearch: e.cfg.EFSearch,
		}
	}
	return domain.SearchParams{
		Limit:    e.cfg.DefaultLimit,
		MinScore: e.cfg.DefaultMinScore,
		EFSearch: e.cfg.EFSearch,
	}
}

// Retrieve searches the index with the given parameters. When the primary
// search returns nothing, exactly one fallback search runs at the relaxed
// threshold. An empty result after the fallback is returned as-is, not as an
// error.
func (e *RetrievalEngine) Retrieve(ctx context.Context, vector []float32, params domain.SearchParams) ([]domain.RetrievalCandidate, error) {
	candidates, err := e.searchCached(ctx, vector, params)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		return candidates, nil
	}

	fallback := params
	fallback.MinScore = e.cfg.FallbackMinScore
	e.logger.Info("retrieval_fallback",
		slog.Float64("primary_min_score", params.MinScore),
		slog.Float64("fallback_min_score", fallback.MinScore),
	)
	e.metrics.FallbackSearch()
	return e.searchCached(ctx, vector, fallback)
}

func (e *RetrievalEngine) searchCached(ctx context.Context, vector []float32, params domain.SearchParams) ([]domain.RetrievalCandidate, error) {
	key := searchCacheKey(vector, params)

	var cached []domain.RetrievalCandidate
	hit, err := e.cache.Get(ctx, key, &cached)
	if err != nil {
		e.logger.Warn("search_cache_read_failed", slog.String("error", err.Error()))
	}
	e.metrics.CacheLookup("search", hit)
	if hit {
		return cached, nil
	}

	candidates, err := e.index.Search(ctx, vector, params)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].OriginalRank = i
	}

	if err := e.cache.Set(ctx, key, candidates, e.cfg.SearchCacheTTL); err != nil {
		e.logger.Warn("search_cache_write_failed", slog.String("error", err.Error()))
	}
	return candidates, nil
}

// searchCacheKey hashes the exact float32 bit patterns of the vector together
// with the search parameters, so cached results are never reused across a
// different limit or threshold.
func searchCacheKey(vector []float32, params domain.SearchParams) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	fmt.Fprintf(h, "|%d|%g|%d", params.Limit, params.MinScore, params.EFSearch)
	return "search:" + hex.EncodeToString(h.Sum(nil))
}
