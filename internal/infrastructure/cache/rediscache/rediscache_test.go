package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store := NewWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

type payload struct {
	Vector   []float32 `json:"vector"`
	Keywords []string  `json:"keywords"`
}

func TestGetSetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := payload{Vector: []float32{0.25, -1}, Keywords: []string{"refund"}}
	if err := store.Set(ctx, "embedding:abc", in, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out payload
	hit, err := store.Get(ctx, "embedding:abc", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit {
		t.Fatal("expected a hit")
	}
	if len(out.Vector) != 2 || out.Vector[0] != 0.25 {
		t.Errorf("vector = %v", out.Vector)
	}
	if len(out.Keywords) != 1 || out.Keywords[0] != "refund" {
		t.Errorf("keywords = %v", out.Keywords)
	}
}

func TestGetMiss(t *testing.T) {
	store, _ := newTestStore(t)

	var out payload
	hit, err := store.Get(context.Background(), "embedding:missing", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatal("expected a miss")
	}
}

func TestSetHonorsTTL(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "search:k", payload{}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	server.FastForward(2 * time.Minute)

	var out payload
	hit, err := store.Get(ctx, "search:k", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatal("entry should have expired")
	}
}

func TestDeletePrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"search:a", "search:b", "embedding:keep"} {
		if err := store.Set(ctx, key, payload{}, time.Hour); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	if err := store.DeletePrefix(ctx, "search:"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	var out payload
	if hit, _ := store.Get(ctx, "search:a", &out); hit {
		t.Error("search:a survived invalidation")
	}
	if hit, _ := store.Get(ctx, "embedding:keep", &out); !hit {
		t.Error("embedding:keep was deleted by a search-prefix invalidation")
	}
}

func TestBackendDownReportsCacheUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	store := NewWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	server.Close()

	var out payload
	_, err := store.Get(context.Background(), "embedding:abc", &out)
	if err == nil {
		t.Fatal("expected an error with the backend down")
	}
	if !domain.IsKind(err, domain.ErrCacheUnavailable) {
		t.Errorf("kind = %q, want cache_unavailable", domain.ErrorKind(err))
	}
}
