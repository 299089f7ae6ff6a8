package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

func testRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		ShortQueryMaxChars: 6,
		ShortQueryLimit:    20,
		ShortQueryMinScore: 0.3,
		DefaultLimit:       10,
		DefaultMinScore:    0.5,
		FallbackMinScore:   0.2,
		EFSearch:           128,
		SearchCacheTTL:     time.Hour,
	}
}

func TestAdaptiveParams(t *testing.T) {
	engine := NewRetrievalEngine(&fakeIndex{}, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	short := engine.AdaptiveParams("k8s y")
	if short.Limit != 20 || short.MinScore != 0.3 {
		t.Errorf("short params = %+v, want limit 20 min score 0.3", short)
	}

	boundary := engine.AdaptiveParams("kafka?")
	if boundary.Limit != 20 {
		t.Errorf("six-character question should use the wide search, got %+v", boundary)
	}

	normal := engine.AdaptiveParams("how do i rotate credentials")
	if normal.Limit != 10 || normal.MinScore != 0.5 {
		t.Errorf("normal params = %+v, want limit 10 min score 0.5", normal)
	}
	if normal.EFSearch != 128 {
		t.Errorf("EFSearch = %d, want 128", normal.EFSearch)
	}
}

func TestRetrieveNoFallbackWhenPrimaryHits(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.5: {{ChunkID: "a", VectorScore: 0.8}},
	}}
	engine := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	got, err := engine.Retrieve(context.Background(), []float32{0.1, 0.2}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	if calls := index.callParams(); len(calls) != 1 {
		t.Fatalf("index calls = %d, want 1", len(calls))
	}
}

func TestRetrieveFallsBackExactlyOnce(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.2: {{ChunkID: "weak", VectorScore: 0.25}},
	}}
	engine := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	got, err := engine.Retrieve(context.Background(), []float32{0.3}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != "weak" {
		t.Fatalf("candidates = %+v, want the fallback hit", got)
	}

	calls := index.callParams()
	if len(calls) != 2 {
		t.Fatalf("index calls = %d, want primary plus one fallback", len(calls))
	}
	if calls[1].MinScore != 0.2 {
		t.Errorf("fallback min score = %v, want 0.2", calls[1].MinScore)
	}
	if calls[1].Limit != calls[0].Limit {
		t.Errorf("fallback limit changed: %d vs %d", calls[1].Limit, calls[0].Limit)
	}
}

func TestRetrieveEmptyAfterFallbackIsNotError(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{}}
	engine := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	got, err := engine.Retrieve(context.Background(), []float32{0.3}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %d, want 0", len(got))
	}
	if calls := index.callParams(); len(calls) != 2 {
		t.Fatalf("index calls = %d, exactly one fallback allowed", len(calls))
	}
}

func TestRetrieveCachesPerCallParameters(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.5: {{ChunkID: "a", VectorScore: 0.8}},
		0.3: {{ChunkID: "a", VectorScore: 0.8}, {ChunkID: "b", VectorScore: 0.4}},
	}}
	cache := newMapCache()
	engine := NewRetrievalEngine(index, cache, testRetrievalConfig(), testLogger(), nil)
	vector := []float32{0.1, 0.2, 0.3}

	if _, err := engine.Retrieve(context.Background(), vector, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128}); err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	if _, err := engine.Retrieve(context.Background(), vector, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128}); err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if calls := index.callParams(); len(calls) != 1 {
		t.Fatalf("index calls = %d, repeat search should hit the cache", len(calls))
	}

	// Different parameters must not reuse the cached entry.
	if _, err := engine.Retrieve(context.Background(), vector, domain.SearchParams{Limit: 20, MinScore: 0.3, EFSearch: 128}); err != nil {
		t.Fatalf("third Retrieve: %v", err)
	}
	if calls := index.callParams(); len(calls) != 2 {
		t.Fatalf("index calls = %d, distinct params must search again", len(calls))
	}
}

func TestRetrieveCacheFailureDegradesToSearch(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.5: {{ChunkID: "a", VectorScore: 0.8}},
	}}
	cache := newMapCache()
	cache.getErr = errBackendDown
	cache.setErr = errBackendDown
	engine := NewRetrievalEngine(index, cache, testRetrievalConfig(), testLogger(), nil)

	got, err := engine.Retrieve(context.Background(), []float32{0.1}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1 despite cache being down", len(got))
	}
}

func TestRetrieveAssignsOriginalRank(t *testing.T) {
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.5: {
			{ChunkID: "first", VectorScore: 0.9},
			{ChunkID: "second", VectorScore: 0.7},
			{ChunkID: "third", VectorScore: 0.6},
		},
	}}
	engine := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	got, err := engine.Retrieve(context.Background(), []float32{0.1}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i, candidate := range got {
		if candidate.OriginalRank != i {
			t.Errorf("candidate %d OriginalRank = %d", i, candidate.OriginalRank)
		}
	}
}

func TestRetrieveIndexError(t *testing.T) {
	index := &fakeIndex{err: errBackendDown}
	engine := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), testLogger(), nil)

	if _, err := engine.Retrieve(context.Background(), []float32{0.1}, domain.SearchParams{Limit: 10, MinScore: 0.5, EFSearch: 128}); err == nil {
		t.Fatal("expected error when the index is unavailable")
	}
}
