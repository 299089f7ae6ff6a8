package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

func TestCompletionKeywordExtractor(t *testing.T) {
	completer := &fakeCompleter{
		reply: "Kubernetes, secret rotation, kubelet, extra",
		usage: domain.TokenUsage{PromptTokens: 30, CompletionTokens: 8, TotalTokens: 38},
	}
	extractor := NewCompletionKeywordExtractor(completer)

	keywords, usage, err := extractor.ExtractKeywords(context.Background(), "how do i rotate kubernetes secrets", 3)
	if err != nil {
		t.Fatalf("ExtractKeywords: %v", err)
	}
	if len(keywords) != 3 {
		t.Fatalf("keywords = %v, want 3", keywords)
	}
	if keywords[0] != "kubernetes" || keywords[1] != "secret rotation" {
		t.Errorf("keywords = %v", keywords)
	}
	if usage.TotalTokens != 38 {
		t.Errorf("usage = %+v", usage)
	}
}
