package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/observability/metrics"
)

// AnswerConfig tunes the end-to-end answer pipeline.
type AnswerConfig struct {
	Rerank             RerankConfig
	ContextTokenLimit  int
	PerRequestTokenCap int
	MaxTokens          int
	Temperature        float64
}

// AnswerService orchestrates the answer pipeline: quota check, embedding,
// retrieval, reranking, context assembly and streamed generation.
type AnswerService struct {
	embed     *EmbedStage
	retrieval *RetrievalEngine
	completer ports.CompletionProvider
	ledger    ports.LedgerStore
	cfg       AnswerConfig
	logger    *slog.Logger
	metrics   *metrics.Pipeline
}

var _ ports.AnswerStreamer = (*AnswerService)(nil)
var _ ports.UsageReader = (*AnswerService)(nil)

func NewAnswerService(
	embed *EmbedStage,
	retrieval *RetrievalEngine,
	completer ports.CompletionProvider,
	ledger ports.LedgerStore,
	cfg AnswerConfig,
	logger *slog.Logger,
	pipelineMetrics *metrics.Pipeline,
) *AnswerService {
	return &AnswerService{
		embed:     embed,
		retrieval: retrieval,
		completer: completer,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger,
		metrics:   pipelineMetrics,
	}
}

// StreamAnswer validates the query and checks quota synchronously, then runs
// the pipeline in a goroutine. The returned channel carries zero or more
// content events followed by exactly one terminal event, and is then closed.
func (s *AnswerService) StreamAnswer(ctx context.Context, query domain.Query) (<-chan domain.StreamEvent, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	estimate := s.worstCaseEstimate(query)
	if estimate > s.cfg.PerRequestTokenCap {
		s.metrics.QuotaRejected()
		return nil, domain.WrapError(domain.ErrQuotaExceeded, "check quota",
			fmt.Errorf("request estimate %d exceeds per-request cap %d", estimate, s.cfg.PerRequestTokenCap))
	}
	ok, err := s.ledger.CheckQuota(ctx, query.Identity, estimate)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "check quota", err)
	}
	if !ok {
		s.metrics.QuotaRejected()
		return nil, domain.WrapError(domain.ErrQuotaExceeded, "check quota",
			fmt.Errorf("identity %q is over its token budget", query.Identity))
	}

	events := make(chan domain.StreamEvent, 16)
	go s.run(ctx, query, events)
	return events, nil
}

// UsageStats reports the caller's current ledger windows.
func (s *AnswerService) UsageStats(ctx context.Context, identity string) (domain.UsageStats, error) {
	stats, err := s.ledger.UsageStats(ctx, identity)
	if err != nil {
		return domain.UsageStats{}, domain.WrapError(domain.ErrTemporary, "read usage", err)
	}
	return stats, nil
}

func (s *AnswerService) run(ctx context.Context, query domain.Query, events chan<- domain.StreamEvent) {
	defer close(events)
	start := time.Now()

	conversationID := query.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	logger := s.logger.With(
		slog.String("conversation_id", conversationID),
		slog.String("identity", query.Identity),
	)

	fail := func(outcome string, err error) {
		logger.Error("answer_failed",
			slog.String("state", outcome),
			slog.String("error", err.Error()),
		)
		// A disconnected client may have stopped draining the channel.
		select {
		case events <- domain.ErrorEvent(err):
		case <-ctx.Done():
		}
		s.metrics.AnswerCompleted(outcome, time.Since(start).Seconds())
	}

	normalized := query.NormalizedText()
	logger.Info("answer_state", slog.String("state", "RETRIEVING"))

	vector, keywords, pipelineUsage, err := s.embed.Embed(ctx, normalized)
	if err != nil {
		// A failed embedding can still leave keyword-call usage behind.
		s.billPipeline(ctx, query, pipelineUsage, logger)
		fail("failed", err)
		return
	}

	params := s.retrieval.AdaptiveParams(normalized)
	candidates, err := s.retrieval.Retrieve(ctx, vector, params)
	if err != nil {
		s.billPipeline(ctx, query, pipelineUsage, logger)
		fail("failed", err)
		return
	}

	ranked := Rerank(candidates, keywords, s.cfg.Rerank)
	window := AssembleContext(ranked, s.cfg.ContextTokenLimit)
	s.metrics.RetrievedChunks(len(window.Candidates))
	logger.Info("answer_state",
		slog.String("state", "CONTEXT_READY"),
		slog.Int("candidates", len(candidates)),
		slog.Int("context_chunks", len(window.Candidates)),
		slog.Int("context_tokens", window.EstimatedTokens),
	)

	system, prompt := BuildAnswerPrompt(query.Text, window)
	req := ports.CompletionRequest{
		System:      system,
		Prompt:      prompt,
		History:     query.History,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	if query.MaxTokens > 0 {
		req.MaxTokens = query.MaxTokens
	}
	if query.Temperature > 0 {
		req.Temperature = query.Temperature
	}

	stream, err := s.completer.StreamComplete(ctx, req)
	if err != nil {
		s.billPipeline(ctx, query, pipelineUsage, logger)
		fail("failed", err)
		return
	}
	defer stream.Close()
	logger.Info("answer_state", slog.String("state", "GENERATING"))

	var (
		generatedChars  int
		completionUsage domain.TokenUsage
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.billCancelled(ctx, query, prompt, system, generatedChars, pipelineUsage, logger)
				fail("cancelled", ctx.Err())
				return
			}
			s.billCancelled(ctx, query, prompt, system, generatedChars, pipelineUsage, logger)
			fail("failed", domain.WrapError(domain.ErrStreamInterrupted, "stream completion", err))
			return
		}
		if chunk.Usage != nil {
			completionUsage = *chunk.Usage
		}
		if chunk.Content != "" {
			generatedChars += len([]rune(chunk.Content))
			select {
			case events <- domain.ContentEvent(chunk.Content):
			case <-ctx.Done():
				s.billCancelled(ctx, query, prompt, system, generatedChars, pipelineUsage, logger)
				fail("cancelled", ctx.Err())
				return
			}
		}
		if chunk.Done {
			break
		}
	}

	total := pipelineUsage.Add(completionUsage)
	if completionUsage.IsZero() {
		est := s.estimateUsage(system, prompt, generatedChars)
		total = pipelineUsage.Add(est)
	}
	if err := s.ledger.Increment(ctx, query.Identity, total); err != nil {
		logger.Error("usage_increment_failed", slog.String("error", err.Error()))
	}
	s.metrics.Tokens(int64(total.PromptTokens), int64(total.CompletionTokens))

	sources := make([]domain.Source, 0, len(window.Candidates))
	for _, candidate := range window.Candidates {
		sources = append(sources, domain.Source{
			SourceDocument: candidate.SourceDocument,
			ChunkID:        candidate.ChunkID,
			ChunkIndex:     candidate.ChunkIndex,
			Score:          candidate.CompositeScore,
		})
	}
	select {
	case events <- domain.FinalEvent(sources, total, conversationID):
	case <-ctx.Done():
		return
	}
	logger.Info("answer_state",
		slog.String("state", "COMPLETE"),
		slog.Int("total_tokens", total.TotalTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
	s.metrics.AnswerCompleted("complete", time.Since(start).Seconds())
}

// billPipeline records usage the embedding stage already consumed when the
// pipeline fails before generation reports its own usage. The write runs on a
// detached context for the same reason billCancelled's does.
func (s *AnswerService) billPipeline(
	ctx context.Context,
	query domain.Query,
	usage domain.TokenUsage,
	logger *slog.Logger,
) {
	if usage.IsZero() {
		return
	}
	detached := context.WithoutCancel(ctx)
	if err := s.ledger.Increment(detached, query.Identity, usage); err != nil {
		logger.Error("usage_increment_failed", slog.String("error", err.Error()))
	}
	s.metrics.Tokens(int64(usage.PromptTokens), int64(usage.CompletionTokens))
}

// billCancelled records estimated usage for work the provider already did
// before the request was cancelled or cut off. The write runs on a detached
// context so the cancellation itself cannot suppress billing.
func (s *AnswerService) billCancelled(
	ctx context.Context,
	query domain.Query,
	prompt, system string,
	generatedChars int,
	pipelineUsage domain.TokenUsage,
	logger *slog.Logger,
) {
	est := s.estimateUsage(system, prompt, generatedChars)
	total := pipelineUsage.Add(est)
	detached := context.WithoutCancel(ctx)
	if err := s.ledger.Increment(detached, query.Identity, total); err != nil {
		logger.Error("usage_increment_failed", slog.String("error", err.Error()))
	}
	s.metrics.Tokens(int64(total.PromptTokens), int64(total.CompletionTokens))
}

func (s *AnswerService) estimateUsage(system, prompt string, generatedChars int) domain.TokenUsage {
	promptTokens := EstimateTokens(system) + EstimateTokens(prompt)
	completionTokens := (generatedChars + 2) / 3
	return domain.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// worstCaseEstimate bounds what this request could possibly consume: the
// question and history as prompt input, a full context window, and the
// completion budget.
func (s *AnswerService) worstCaseEstimate(query domain.Query) int {
	estimate := EstimateTokens(query.Text)
	for _, turn := range query.History {
		estimate += EstimateTokens(turn.Content)
	}
	estimate += s.cfg.ContextTokenLimit
	maxTokens := s.cfg.MaxTokens
	if query.MaxTokens > 0 {
		maxTokens = query.MaxTokens
	}
	return estimate + maxTokens
}
