// Package memcache is the in-process CacheStore used for local development
// and single-instance deployments where Redis is not worth operating.
package memcache

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

type Store struct {
	cache *gocache.Cache
}

var _ ports.CacheStore = (*Store)(nil)

func New() *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Values round-trip through JSON so behavior matches the Redis backend,
// including the loss of type identity across Get.
func (s *Store) Get(_ context.Context, key string, out any) (bool, error) {
	raw, ok := s.cache.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		return false, domain.WrapError(domain.ErrCacheUnavailable, "cache decode", err)
	}
	return true, nil
}

func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.WrapError(domain.ErrCacheUnavailable, "cache encode", err)
	}
	s.cache.Set(key, raw, ttl)
	return nil
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
	return nil
}
