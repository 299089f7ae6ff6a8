package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

const answerSystemPrompt = `You are a knowledge base assistant. Answer the user's question using only the document fragments provided below.

Rules:
1. Base every statement on the provided fragments. Do not invent facts that are not in them.
2. If the fragments do not contain the answer, say so plainly and summarize what related information they do contain.
3. Answer directly and specifically. Do not restate the question or describe your reasoning process.
4. Keep the answer in the same language as the question.`

const answerSystemPromptNoContext = `You are a knowledge base assistant. No relevant document fragments were found for this question.

Tell the user that the knowledge base does not cover their question, and suggest they rephrase it or ask about a related topic. Do not invent an answer.`

const keywordSystemPrompt = `You are a keyword extraction expert. Return only keywords, no explanation.`

const keywordPromptTemplate = `Extract the core keywords from the following question for document retrieval.
Return 1 to %d keywords separated by commas. Return only the keywords, nothing else.

Question: %s`

// BuildKeywordPrompt renders the extraction request for one question.
func BuildKeywordPrompt(question string, max int) (system, prompt string) {
	return keywordSystemPrompt, fmt.Sprintf(keywordPromptTemplate, max, question)
}

// BuildAnswerPrompt renders the grounded generation request. An empty context
// window switches to the no-context instruction instead of failing.
func BuildAnswerPrompt(question string, window domain.ContextWindow) (system, prompt string) {
	if window.Empty() {
		return answerSystemPromptNoContext, question
	}

	var b strings.Builder
	b.WriteString("Document fragments:\n\n")
	for i, candidate := range window.Candidates {
		fmt.Fprintf(&b, "[Document Fragment %d] (Source: %s, Relevance: %.0f%%)\n%s\n\n",
			i+1, candidate.SourceDocument, candidate.CompositeScore*100, candidate.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return answerSystemPrompt, b.String()
}

// ParseKeywords splits a comma-separated provider reply into at most max
// lowercase keywords, dropping empties and duplicates.
func ParseKeywords(reply string, max int) []string {
	parts := strings.Split(reply, ",")
	keywords := make([]string, 0, max)
	seen := make(map[string]struct{}, max)
	for _, part := range parts {
		keyword := strings.ToLower(strings.TrimSpace(part))
		if keyword == "" {
			continue
		}
		if _, ok := seen[keyword]; ok {
			continue
		}
		seen[keyword] = struct{}{}
		keywords = append(keywords, keyword)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}
