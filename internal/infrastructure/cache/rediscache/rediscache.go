// Package rediscache backs the answer pipeline caches with Redis. Backend
// failures surface as wrapped cache errors so callers can degrade to a miss
// instead of failing the request.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client *redis.Client
}

var _ ports.CacheStore = (*Store)(nil)

func New(cfg Config) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.WrapError(domain.ErrCacheUnavailable, "cache get", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, domain.WrapError(domain.ErrCacheUnavailable, "cache decode", err)
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "cache encode", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "cache set", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix using SCAN, so invalidation
// never blocks the server the way KEYS would.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 200 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return domain.WrapError(domain.ErrCacheUnavailable, "cache delete", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "cache scan", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return domain.WrapError(domain.ErrCacheUnavailable, "cache delete", err)
		}
	}
	return nil
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "cache ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
