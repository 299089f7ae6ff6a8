package usecase

import (
	"sort"
	"strings"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

// RerankConfig tunes the post-retrieval ranking stage.
type RerankConfig struct {
	DedupSimilarity float64
	MaxChunksPerDoc int
	KeywordBonusCap float64
	TopK            int
}

// Rerank deduplicates near-identical candidates, caps how many chunks a
// single document may contribute, applies keyword bonuses and returns the
// top candidates in deterministic order.
func Rerank(candidates []domain.RetrievalCandidate, keywords []string, cfg RerankConfig) []domain.RetrievalCandidate {
	deduped := dedupe(candidates, cfg.DedupSimilarity)
	capped := capPerDocument(deduped, cfg.MaxChunksPerDoc)

	for i := range capped {
		bonus := keywordBonus(capped[i].Text, keywords)
		if bonus > cfg.KeywordBonusCap {
			bonus = cfg.KeywordBonusCap
		}
		capped[i].KeywordBonus = bonus
		capped[i].CompositeScore = capped[i].VectorScore * (1 + bonus)
	}

	sort.SliceStable(capped, func(i, j int) bool {
		a, b := capped[i], capped[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.OriginalRank != b.OriginalRank {
			return a.OriginalRank < b.OriginalRank
		}
		if a.SourceDocument != b.SourceDocument {
			return a.SourceDocument < b.SourceDocument
		}
		return a.ChunkIndex < b.ChunkIndex
	})

	if cfg.TopK > 0 && len(capped) > cfg.TopK {
		capped = capped[:cfg.TopK]
	}
	return capped
}

// dedupe collapses candidate pairs whose text similarity exceeds threshold,
// keeping the higher-scoring member. Candidates are compared in score order
// so the survivor of any cluster is its best chunk.
func dedupe(candidates []domain.RetrievalCandidate, threshold float64) []domain.RetrievalCandidate {
	ordered := make([]domain.RetrievalCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].VectorScore != ordered[j].VectorScore {
			return ordered[i].VectorScore > ordered[j].VectorScore
		}
		return ordered[i].OriginalRank < ordered[j].OriginalRank
	})

	kept := make([]domain.RetrievalCandidate, 0, len(ordered))
	keptGrams := make([]map[string]int, 0, len(ordered))
	for _, candidate := range ordered {
		grams := bigrams(candidate.Text)
		duplicate := false
		for i := range kept {
			if diceCoefficient(grams, keptGrams[i]) > threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, candidate)
		keptGrams = append(keptGrams, grams)
	}
	return kept
}

func capPerDocument(candidates []domain.RetrievalCandidate, maxPerDoc int) []domain.RetrievalCandidate {
	if maxPerDoc <= 0 {
		return candidates
	}
	counts := make(map[string]int)
	kept := make([]domain.RetrievalCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if counts[candidate.SourceDocument] >= maxPerDoc {
			continue
		}
		counts[candidate.SourceDocument]++
		kept = append(kept, candidate)
	}
	return kept
}

// keywordBonus sums 0.15 for each keyword present as a whole token and 0.10
// for each keyword present only as a substring.
func keywordBonus(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lowered := strings.ToLower(text)
	tokens := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !isWordRune(r)
	}) {
		tokens[token] = struct{}{}
	}

	var bonus float64
	for _, keyword := range keywords {
		keyword = strings.ToLower(keyword)
		if keyword == "" {
			continue
		}
		if _, ok := tokens[keyword]; ok {
			bonus += 0.15
			continue
		}
		if strings.Contains(lowered, keyword) {
			bonus += 0.10
		}
	}
	return bonus
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r > 127
}

// bigrams returns character bigram counts of the lowercased text.
func bigrams(text string) map[string]int {
	runes := []rune(strings.ToLower(text))
	grams := make(map[string]int)
	if len(runes) < 2 {
		if len(runes) == 1 {
			grams[string(runes)] = 1
		}
		return grams
	}
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

// diceCoefficient computes the Sorensen-Dice similarity of two bigram
// multisets, in [0, 1].
func diceCoefficient(a, b map[string]int) float64 {
	var totalA, totalB, overlap int
	for _, n := range a {
		totalA += n
	}
	for _, n := range b {
		totalB += n
	}
	if totalA+totalB == 0 {
		return 1
	}
	for gram, n := range a {
		if m, ok := b[gram]; ok {
			overlap += minInt(n, m)
		}
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
