package usecase

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

func testAnswerConfig() AnswerConfig {
	return AnswerConfig{
		Rerank:             defaultRerankConfig(),
		ContextTokenLimit:  2500,
		PerRequestTokenCap: 50000,
		MaxTokens:          1000,
		Temperature:        0.7,
	}
}

func newTestService(index *fakeIndex, completer ports.CompletionProvider, ledger *fakeLedger) *AnswerService {
	logger := testLogger()
	embed := NewEmbedStage(
		&fakeEmbedder{vector: []float32{0.1, 0.2}, usage: domain.TokenUsage{PromptTokens: 5, TotalTokens: 5}},
		&fakeExtractor{keywords: []string{"refund"}},
		newMapCache(),
		testEmbedConfig(),
		logger,
		nil,
	)
	retrieval := NewRetrievalEngine(index, newMapCache(), testRetrievalConfig(), logger, nil)
	return NewAnswerService(embed, retrieval, completer, ledger, testAnswerConfig(), logger, nil)
}

func collect(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func indexWithHits() *fakeIndex {
	return &fakeIndex{results: map[float64][]domain.RetrievalCandidate{
		0.5: {
			{ChunkID: "c1", SourceDocument: "handbook.md", ChunkIndex: 0, Text: "Refunds take five business days.", VectorScore: 0.9},
			{ChunkID: "c2", SourceDocument: "faq.md", ChunkIndex: 3, Text: "Chargebacks go through support.", VectorScore: 0.7},
		},
	}}
}

func TestStreamAnswerRejectsMalformedQuery(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	service := newTestService(indexWithHits(), &fakeCompleter{stream: &fakeStream{}}, ledger)

	cases := []domain.Query{
		{Text: "", Identity: "user-1"},
		{Text: "   ", Identity: "user-1"},
		{Text: strings.Repeat("x", domain.MaxQuestionChars+1), Identity: "user-1"},
		{Text: "valid question", Identity: ""},
	}
	for i, query := range cases {
		events, err := service.StreamAnswer(context.Background(), query)
		if err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
		if !domain.IsKind(err, domain.ErrMalformedQuery) {
			t.Errorf("case %d: kind = %q, want malformed_query", i, domain.ErrorKind(err))
		}
		if events != nil {
			t.Errorf("case %d: channel returned alongside error", i)
		}
	}
	if ledger.checks != 0 {
		t.Errorf("ledger checks = %d, malformed input must be rejected first", ledger.checks)
	}
}

func TestStreamAnswerFailsFastOnQuota(t *testing.T) {
	ledger := &fakeLedger{allow: false}
	index := indexWithHits()
	service := newTestService(index, &fakeCompleter{stream: &fakeStream{}}, ledger)

	_, err := service.StreamAnswer(context.Background(), domain.Query{Text: "am i over budget", Identity: "user-1"})
	if !domain.IsKind(err, domain.ErrQuotaExceeded) {
		t.Fatalf("kind = %q, want quota_exceeded", domain.ErrorKind(err))
	}
	if len(index.callParams()) != 0 {
		t.Error("index was called despite quota rejection")
	}
}

func TestStreamAnswerPerRequestCap(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	service := newTestService(indexWithHits(), &fakeCompleter{stream: &fakeStream{}}, ledger)

	_, err := service.StreamAnswer(context.Background(), domain.Query{
		Text:      "tiny question",
		Identity:  "user-1",
		MaxTokens: 60000,
	})
	if !domain.IsKind(err, domain.ErrQuotaExceeded) {
		t.Fatalf("kind = %q, want quota_exceeded for oversized request", domain.ErrorKind(err))
	}
	if ledger.checks != 0 {
		t.Errorf("ledger checks = %d, cap check happens before the ledger", ledger.checks)
	}
}

func TestStreamAnswerHappyPath(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	usage := domain.TokenUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}
	completer := &fakeCompleter{stream: &fakeStream{chunks: []ports.CompletionChunk{
		{Content: "Refunds take "},
		{Content: "five business days."},
		{Done: true, Usage: &usage},
	}}}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{
		Text:     "How long do refunds take?",
		Identity: "user-1",
	})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	if len(got) != 3 {
		t.Fatalf("events = %d, want 2 content + 1 final", len(got))
	}
	if got[0].Content != "Refunds take " || got[1].Content != "five business days." {
		t.Errorf("content = %q, %q", got[0].Content, got[1].Content)
	}
	final := got[2]
	if final.Type != domain.StreamEventFinal {
		t.Fatalf("last event type = %q, want final", final.Type)
	}
	if len(final.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(final.Sources))
	}
	if final.ConversationID == "" {
		t.Error("final event missing conversation id")
	}
	if final.Usage.TotalTokens != 155 {
		t.Errorf("usage total = %d, want completion plus embedding tokens", final.Usage.TotalTokens)
	}

	recorded := ledger.recorded()
	if len(recorded) != 1 {
		t.Fatalf("ledger increments = %d, want 1", len(recorded))
	}
	if recorded[0].TotalTokens != 155 {
		t.Errorf("recorded usage = %d, want 155", recorded[0].TotalTokens)
	}
}

func TestStreamAnswerExactlyOneTerminalEvent(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	completer := &fakeCompleter{stream: &fakeStream{chunks: []ports.CompletionChunk{
		{Content: "partial "},
		{Done: true},
	}}}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	terminals := 0
	for i, event := range got {
		if event.Terminal() {
			terminals++
			if i != len(got)-1 {
				t.Errorf("terminal event at position %d of %d", i, len(got))
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}
}

func TestStreamAnswerEmptyRetrievalDegradesToAnswer(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	completer := &fakeCompleter{stream: &fakeStream{chunks: []ports.CompletionChunk{
		{Content: "The knowledge base does not cover this."},
		{Done: true},
	}}}
	index := &fakeIndex{results: map[float64][]domain.RetrievalCandidate{}}
	service := newTestService(index, completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "Something nobody wrote down?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	final := got[len(got)-1]
	if final.Type != domain.StreamEventFinal {
		t.Fatalf("terminal type = %q, empty retrieval is a degraded success", final.Type)
	}
	if len(final.Sources) != 0 {
		t.Errorf("sources = %d, want 0", len(final.Sources))
	}
	if final.Sources == nil {
		t.Error("sources must be an empty slice, not nil")
	}
}

func TestStreamAnswerMidStreamErrorInterrupts(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	completer := &fakeCompleter{stream: &fakeStream{
		chunks: []ports.CompletionChunk{{Content: "partial answer "}},
		errAt:  1,
		err:    errBackendDown,
	}}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	final := got[len(got)-1]
	if final.Type != domain.StreamEventError {
		t.Fatalf("terminal type = %q, want error", final.Type)
	}
	if final.ErrKind != "stream_interrupted" {
		t.Errorf("kind = %q, want stream_interrupted", final.ErrKind)
	}
	if recorded := ledger.recorded(); len(recorded) != 1 || recorded[0].IsZero() {
		t.Errorf("interrupted stream must still bill estimated usage, got %+v", recorded)
	}
}

func TestStreamAnswerCancellationBills(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{chunks: []ports.CompletionChunk{
		{Content: "chunk one "},
		{Content: "chunk two "},
		{Content: "chunk three "},
	}}
	completer := &fakeCompleter{stream: stream}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(ctx, domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}

	// Take one content event, then walk away.
	first := <-events
	if first.Type != domain.StreamEventContent {
		t.Fatalf("first event type = %q", first.Type)
	}
	cancel()

	got := collect(t, events)
	if len(got) == 0 {
		t.Fatal("expected a terminal event after cancellation")
	}
	final := got[len(got)-1]
	if !final.Terminal() {
		t.Fatalf("stream ended without a terminal event")
	}
	if final.Type == domain.StreamEventError && final.ErrKind != "cancelled" {
		t.Errorf("kind = %q, want cancelled", final.ErrKind)
	}
	if recorded := ledger.recorded(); len(recorded) != 1 || recorded[0].IsZero() {
		t.Errorf("cancelled stream must bill estimated usage, got %+v", recorded)
	}
}

func TestStreamAnswerBillsEmbeddingOnRetrievalFailure(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	index := &fakeIndex{err: errBackendDown}
	service := newTestService(index, &fakeCompleter{stream: &fakeStream{}}, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	final := got[len(got)-1]
	if final.Type != domain.StreamEventError {
		t.Fatalf("terminal type = %q, want error", final.Type)
	}
	recorded := ledger.recorded()
	if len(recorded) != 1 {
		t.Fatalf("ledger increments = %d, embedding tokens were consumed", len(recorded))
	}
	if recorded[0].TotalTokens != 5 {
		t.Errorf("recorded usage = %d, want the 5 embedding tokens", recorded[0].TotalTokens)
	}
}

func TestStreamAnswerBillsEmbeddingOnProviderRefusal(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	completer := &fakeCompleter{streamErr: domain.WrapError(domain.ErrProviderUnavailable, "stream completion", errBackendDown)}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	collect(t, events)

	recorded := ledger.recorded()
	if len(recorded) != 1 || recorded[0].TotalTokens != 5 {
		t.Errorf("recorded = %+v, embedding tokens must be billed when generation never opens", recorded)
	}
}

func TestStreamAnswerBillsKeywordsOnEmbeddingFailure(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	logger := testLogger()
	embed := NewEmbedStage(
		&fakeEmbedder{err: errBackendDown},
		&fakeExtractor{keywords: []string{"refund"}, usage: domain.TokenUsage{CompletionTokens: 7, TotalTokens: 7}},
		newMapCache(),
		testEmbedConfig(),
		logger,
		nil,
	)
	retrieval := NewRetrievalEngine(indexWithHits(), newMapCache(), testRetrievalConfig(), logger, nil)
	service := NewAnswerService(embed, retrieval, &fakeCompleter{stream: &fakeStream{}}, ledger, testAnswerConfig(), logger, nil)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)

	if final := got[len(got)-1]; final.Type != domain.StreamEventError {
		t.Fatalf("terminal type = %q, want error", final.Type)
	}
	recorded := ledger.recorded()
	if len(recorded) != 1 || recorded[0].TotalTokens != 7 {
		t.Errorf("recorded = %+v, want the 7 keyword tokens", recorded)
	}
}

func TestStreamAnswerTerminatesWhenClientStopsReading(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	chunks := make([]ports.CompletionChunk, 0, 40)
	for i := 0; i < 40; i++ {
		chunks = append(chunks, ports.CompletionChunk{Content: "fragment "})
	}
	completer := &fakeCompleter{stream: &fakeStream{chunks: chunks}}
	service := newTestService(indexWithHits(), completer, ledger)

	before := runtime.NumGoroutine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := service.StreamAnswer(ctx, domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}

	// Read a single event, then abandon the stream without draining it.
	<-events
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatal("pipeline goroutine still running after the consumer left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamAnswerProviderRefusalFails(t *testing.T) {
	ledger := &fakeLedger{allow: true}
	completer := &fakeCompleter{streamErr: domain.WrapError(domain.ErrProviderUnavailable, "stream completion", errBackendDown)}
	service := newTestService(indexWithHits(), completer, ledger)

	events, err := service.StreamAnswer(context.Background(), domain.Query{Text: "How long do refunds take?", Identity: "user-1"})
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 {
		t.Fatalf("events = %d, want a single terminal error", len(got))
	}
	if got[0].ErrKind != "provider_unavailable" {
		t.Errorf("kind = %q, want provider_unavailable", got[0].ErrKind)
	}
}

func TestUsageStats(t *testing.T) {
	ledger := &fakeLedger{allow: true, stats: domain.UsageStats{
		DailyUsed: 500, DailyLimit: 100000, DailyRemaining: 99500,
		MonthlyUsed: 12000, MonthlyLimit: 2000000, MonthlyRemaining: 1988000,
	}}
	service := newTestService(indexWithHits(), &fakeCompleter{stream: &fakeStream{}}, ledger)

	stats, err := service.UsageStats(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("UsageStats: %v", err)
	}
	if stats.DailyRemaining != 99500 || stats.MonthlyRemaining != 1988000 {
		t.Errorf("stats = %+v", stats)
	}
}
