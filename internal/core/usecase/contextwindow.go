package usecase

import (
	"unicode/utf8"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

// EstimateTokens approximates the token count of text as one token per three
// characters, rounded up. The estimate errs high for English prose, which is
// the safe direction for budget checks.
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 2) / 3
}

// AssembleContext packs ranked candidates into a window of at most budget
// tokens. Candidates are taken whole in rank order; one that does not fit is
// skipped and later, smaller candidates may still be admitted. An empty
// window is a valid result.
func AssembleContext(ranked []domain.RetrievalCandidate, budget int) domain.ContextWindow {
	window := domain.ContextWindow{
		Candidates: make([]domain.RetrievalCandidate, 0, len(ranked)),
	}
	for _, candidate := range ranked {
		cost := EstimateTokens(candidate.Text)
		if window.EstimatedTokens+cost > budget {
			continue
		}
		window.Candidates = append(window.Candidates, candidate)
		window.EstimatedTokens += cost
	}
	return window
}
