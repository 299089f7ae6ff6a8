package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxQuestionChars is the hard ceiling on question length. Longer input is
// rejected before any external call is made.
const MaxQuestionChars = 2000

// ConversationTurn is one prior exchange supplied by the chat-serving layer.
// Transcript persistence is not owned by this service.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is a single answer request.
type Query struct {
	Text           string
	Identity       string
	ConversationID string
	History        []ConversationTurn
	MaxTokens      int
	Temperature    float64
}

// Validate rejects malformed input synchronously, with no side effects.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return WrapError(ErrMalformedQuery, "validate query", fmt.Errorf("question is empty"))
	}
	if utf8.RuneCountInString(q.Text) > MaxQuestionChars {
		return WrapError(ErrMalformedQuery, "validate query",
			fmt.Errorf("question exceeds %d characters", MaxQuestionChars))
	}
	if strings.TrimSpace(q.Identity) == "" {
		return WrapError(ErrMalformedQuery, "validate query", fmt.Errorf("identity is required"))
	}
	return nil
}

// NormalizedText is the canonical form used for cache keys and for the
// length-adaptive retrieval parameters: trimmed and case-folded.
func (q Query) NormalizedText() string {
	return NormalizeQuestion(q.Text)
}

func NormalizeQuestion(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
