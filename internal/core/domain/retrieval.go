package domain

// SearchParams are the knobs passed to the vector index for one call.
type SearchParams struct {
	Limit    int
	MinScore float64
	EFSearch int
}

// RetrievalCandidate is one chunk returned by the vector index. Candidates
// live only for the duration of a request.
type RetrievalCandidate struct {
	ChunkID        string  `json:"chunk_id"`
	SourceDocument string  `json:"source_document_id"`
	ChunkIndex     int     `json:"chunk_index"`
	Text           string  `json:"text"`
	VectorScore    float64 `json:"vector_score"`
	KeywordBonus   float64 `json:"keyword_bonus"`
	CompositeScore float64 `json:"composite_score"`
	OriginalRank   int     `json:"original_rank"`
}

// ContextWindow is the ordered candidate selection fed to the generator.
// The sum of estimated token costs never exceeds the configured ceiling and
// candidates are included in whole units only.
type ContextWindow struct {
	Candidates      []RetrievalCandidate
	EstimatedTokens int
}

func (w ContextWindow) Empty() bool {
	return len(w.Candidates) == 0
}

// Source is a citation reference delivered with the terminal stream event.
type Source struct {
	SourceDocument string  `json:"source_document_id"`
	ChunkID        string  `json:"chunk_id"`
	ChunkIndex     int     `json:"chunk_index"`
	Score          float64 `json:"score"`
}
