package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/knowledge-qa/internal/config"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/core/usecase"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/cache/memcache"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/cache/rediscache"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/llm/openai"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/queue/nats"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/knowledge-qa/internal/observability/metrics"
)

const serviceName = "knowledge-qa"

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Answerer    ports.AnswerStreamer
	UsageReader ports.UsageReader

	invalidator *nats.Invalidator
	closeFn     func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ledger := postgres.NewUsageRepository(db, cfg.DailyTokenLimit, cfg.MonthlyTokenLimit)
	if err := ledger.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	var cache ports.CacheStore
	var closeCache func()
	switch cfg.CacheBackend {
	case "memory":
		cache = memcache.New()
		closeCache = func() {}
	default:
		redisStore := rediscache.New(rediscache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisStore.Ping(ctx); err != nil {
			logger.Warn("redis_unavailable_at_startup", slog.String("error", err.Error()))
		}
		cache = redisStore
		closeCache = func() { _ = redisStore.Close() }
	}

	providerExecutor := resilience.NewExecutor(resilience.ProviderCallPolicy())
	indexExecutor := resilience.NewExecutor(resilience.IndexConnectionPolicy())

	llmClient := openai.New(openai.Config{
		BaseURL:        cfg.OpenAIBaseURL,
		APIKey:         cfg.OpenAIAPIKey,
		ChatModel:      cfg.OpenAIModel,
		EmbeddingModel: cfg.OpenAIEmbeddingModel,
		Timeout:        cfg.ProviderTimeout,
	}, providerExecutor)

	index := qdrant.New(qdrant.Config{
		BaseURL:    cfg.QdrantURL,
		Collection: cfg.QdrantCollection,
		Timeout:    cfg.IndexTimeout,
	}, indexExecutor)

	m := metrics.New(serviceName)
	pipelineMetrics := m.Pipeline(serviceName)

	extractor := usecase.NewCompletionKeywordExtractor(llmClient)
	embedStage := usecase.NewEmbedStage(llmClient, extractor, cache, usecase.EmbedConfig{
		EmbeddingModel: cfg.OpenAIEmbeddingModel,
		KeywordMax:     cfg.KeywordMaxCount,
		CacheTTL:       cfg.EmbeddingCacheTTL,
	}, logger, pipelineMetrics)

	retrieval := usecase.NewRetrievalEngine(index, cache, usecase.RetrievalConfig{
		ShortQueryMaxChars: cfg.ShortQueryChars,
		ShortQueryLimit:    cfg.ShortQueryLimit,
		ShortQueryMinScore: cfg.ShortQueryMinScore,
		DefaultLimit:       cfg.NormalQueryLimit,
		DefaultMinScore:    cfg.NormalQueryMinScore,
		FallbackMinScore:   cfg.FallbackMinScore,
		EFSearch:           cfg.QdrantEFSearch,
		SearchCacheTTL:     cfg.SearchCacheTTL,
	}, logger, pipelineMetrics)

	answerer := usecase.NewAnswerService(embedStage, retrieval, llmClient, ledger, usecase.AnswerConfig{
		Rerank: usecase.RerankConfig{
			DedupSimilarity: cfg.DedupSimilarity,
			MaxChunksPerDoc: cfg.MaxChunksPerDoc,
			KeywordBonusCap: cfg.KeywordBonusCap,
			TopK:            cfg.RerankTopK,
		},
		ContextTokenLimit:  cfg.ContextTokenLimit,
		PerRequestTokenCap: cfg.PerRequestTokenCap,
		MaxTokens:          cfg.AnswerMaxTokens,
		Temperature:        cfg.AnswerTemperature,
	}, logger, pipelineMetrics)

	invalidator, err := nats.New(cfg.NATSURL, cfg.NATSInvalidateEvent, cache, logger)
	if err != nil {
		logger.Warn("nats_unavailable_at_startup", slog.String("error", err.Error()))
		invalidator = nil
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Answerer:    answerer,
		UsageReader: answerer,
		invalidator: invalidator,
		closeFn: func() {
			if invalidator != nil {
				invalidator.Close()
			}
			closeCache()
			_ = db.Close()
		},
	}, nil
}

// RunInvalidator blocks consuming corpus change events until ctx is
// cancelled. It is a no-op when NATS was unreachable at startup.
func (a *App) RunInvalidator(ctx context.Context) error {
	if a.invalidator == nil {
		<-ctx.Done()
		return nil
	}
	return a.invalidator.Run(ctx)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
