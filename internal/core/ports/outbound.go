package ports

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

// EmbeddingProvider turns query text into a vector. Retries are the
// implementation's responsibility; errors surface only after exhaustion.
type EmbeddingProvider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, domain.TokenUsage, error)
}

// CompletionRequest is one language-model call.
type CompletionRequest struct {
	System      string
	Prompt      string
	History     []domain.ConversationTurn
	MaxTokens   int
	Temperature float64
}

// CompletionChunk is one fragment of a streamed completion. Usage is set on
// the final chunk only.
type CompletionChunk struct {
	Content string
	Done    bool
	Usage   *domain.TokenUsage
}

// CompletionStream is a pull-based token fragment stream. Recv returns io.EOF
// after the final chunk has been delivered.
type CompletionStream interface {
	Recv() (CompletionChunk, error)
	Close() error
}

// CompletionProvider drives language-model completions, streamed for answer
// generation and buffered for keyword extraction.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, domain.TokenUsage, error)
	StreamComplete(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

// KeywordExtractor pulls up to max search keywords out of a question. Failure
// is non-fatal for callers.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, question string, max int) ([]string, domain.TokenUsage, error)
}

// VectorIndex performs semantic search over the pre-built corpus index.
// Upsert and delete are owned by the ingestion collaborator.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, params domain.SearchParams) ([]domain.RetrievalCandidate, error)
}

// CacheStore is a TTL key-value store. Implementations degrade to a miss on
// backend unavailability instead of failing the request; Get reports
// domain.ErrCacheUnavailable wrapped errors only for observability.
type CacheStore interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// LedgerStore tracks per-identity token consumption in rolling daily and
// monthly windows. Increment must tolerate concurrent calls for the same
// identity without losing updates.
type LedgerStore interface {
	CheckQuota(ctx context.Context, identity string, estimatedTokens int) (bool, error)
	Increment(ctx context.Context, identity string, usage domain.TokenUsage) error
	UsageStats(ctx context.Context, identity string) (domain.UsageStats, error)
}
