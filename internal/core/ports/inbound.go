package ports

import (
	"context"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

// AnswerStreamer is the inbound contract exposed to the chat-serving layer.
// The returned channel delivers zero or more content events followed by
// exactly one terminal event, after which it is closed. Validation and quota
// failures are returned synchronously with no events emitted.
type AnswerStreamer interface {
	StreamAnswer(ctx context.Context, query domain.Query) (<-chan domain.StreamEvent, error)
}

// UsageReader exposes the per-identity ledger snapshot.
type UsageReader interface {
	UsageStats(ctx context.Context, identity string) (domain.UsageStats, error)
}
