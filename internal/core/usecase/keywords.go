package usecase

import (
	"context"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

// CompletionKeywordExtractor extracts search keywords through a buffered
// completion call.
type CompletionKeywordExtractor struct {
	completer ports.CompletionProvider
}

var _ ports.KeywordExtractor = (*CompletionKeywordExtractor)(nil)

func NewCompletionKeywordExtractor(completer ports.CompletionProvider) *CompletionKeywordExtractor {
	return &CompletionKeywordExtractor{completer: completer}
}

func (e *CompletionKeywordExtractor) ExtractKeywords(ctx context.Context, question string, max int) ([]string, domain.TokenUsage, error) {
	system, prompt := BuildKeywordPrompt(question, max)
	reply, usage, err := e.completer.Complete(ctx, ports.CompletionRequest{
		System:    system,
		Prompt:    prompt,
		MaxTokens: 64,
	})
	if err != nil {
		return nil, usage, err
	}
	return ParseKeywords(reply, max), usage, nil
}
