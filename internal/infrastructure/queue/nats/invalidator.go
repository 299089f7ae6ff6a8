// Package nats subscribes to corpus change events and invalidates cached
// search results, so retrieval never serves results for documents the
// ingestion side has already replaced or deleted.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

const searchCachePrefix = "search:"

type Options struct {
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Invalidator listens for corpus change notifications published by the
// ingestion service.
type Invalidator struct {
	conn    *nats.Conn
	subject string
	cache   ports.CacheStore
	logger  *slog.Logger
}

func New(url, subject string, cache ports.CacheStore, logger *slog.Logger) (*Invalidator, error) {
	return NewWithOptions(url, subject, cache, logger, Options{})
}

func NewWithOptions(url, subject string, cache ports.CacheStore, logger *slog.Logger, options Options) (*Invalidator, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}

	conn, err := nats.Connect(
		url,
		nats.Name("knowledge-qa"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Invalidator{
		conn:    conn,
		subject: subject,
		cache:   cache,
		logger:  logger,
	}, nil
}

// Run subscribes and blocks until ctx is cancelled. Each corpus change event
// drops every cached search result; embedding cache entries stay, they are
// corpus-independent.
func (i *Invalidator) Run(ctx context.Context) error {
	sub, err := i.conn.Subscribe(i.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := i.cache.DeletePrefix(ctx, searchCachePrefix); err != nil {
			i.logger.Error("search_cache_invalidation_failed",
				slog.String("document", string(msg.Data)),
				slog.String("error", err.Error()),
			)
			return
		}
		i.logger.Info("search_cache_invalidated", slog.String("document", string(msg.Data)))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := i.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

func (i *Invalidator) Close() {
	if i.conn != nil {
		i.conn.Close()
	}
}
