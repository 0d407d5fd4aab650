package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubBackend struct {
	fetchFn func(ctx context.Context, userID, key string) (string, bool, error)
	putFn   func(ctx context.Context, userID, key, raw string, updatedAt time.Time) error
}

func (s *stubBackend) FetchCollection(ctx context.Context, userID, key string) (string, bool, error) {
	if s.fetchFn == nil {
		return "", false, errors.New("unexpected FetchCollection call")
	}
	return s.fetchFn(ctx, userID, key)
}

func (s *stubBackend) PutCollection(ctx context.Context, userID, key, raw string, updatedAt time.Time) error {
	if s.putFn == nil {
		return errors.New("unexpected PutCollection call")
	}
	return s.putFn(ctx, userID, key, raw, updatedAt)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		fetchFn: func(ctx context.Context, uid, key string) (string, bool, error) {
			calls++
			return `[{"id":"a"}]`, true, nil
		},
	}, client, time.Minute)

	raw, found, err := cache.FetchCollection(ctx, "u1", "spray_db")
	if err != nil || !found {
		t.Fatalf("fetch: found=%v err=%v", found, err)
	}
	if raw != `[{"id":"a"}]` {
		t.Fatalf("unexpected raw: %s", raw)
	}
	if !mr.Exists(collectionCacheKey("u1", "spray_db")) {
		t.Fatalf("expected collection to be cached")
	}
	if ttl := mr.TTL(collectionCacheKey("u1", "spray_db")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	if _, _, err := cache.FetchCollection(ctx, "u1", "spray_db"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheDoesNotStoreMissingCollections(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewCache(&stubBackend{
		fetchFn: func(context.Context, string, string) (string, bool, error) { return "", false, nil },
	}, client, time.Minute)

	_, found, err := cache.FetchCollection(context.Background(), "u1", "finance_db")
	if err != nil || found {
		t.Fatalf("expected not found, found=%v err=%v", found, err)
	}
	if mr.Exists(collectionCacheKey("u1", "finance_db")) {
		t.Fatalf("missing collections should not be cached")
	}
}

func TestCachePutEvicts(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := mr.Set(collectionCacheKey("u1", "spray_db"), "[]"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var put string
	cache := NewCache(&stubBackend{
		putFn: func(ctx context.Context, uid, key, raw string, _ time.Time) error {
			put = raw
			return nil
		},
	}, client, time.Minute)

	if err := cache.PutCollection(ctx, "u1", "spray_db", `[{"id":"b"}]`, time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if put != `[{"id":"b"}]` {
		t.Fatalf("backend did not receive value: %q", put)
	}
	if mr.Exists(collectionCacheKey("u1", "spray_db")) {
		t.Fatalf("cache key should be evicted")
	}
}

func TestCachePutFailureKeepsEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	if err := mr.Set(collectionCacheKey("u1", "spray_db"), "[]"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := NewCache(&stubBackend{
		putFn: func(context.Context, string, string, string, time.Time) error { return errors.New("offline") },
	}, client, time.Minute)

	if err := cache.PutCollection(context.Background(), "u1", "spray_db", "[]", time.Now()); err == nil {
		t.Fatalf("expected backend error")
	}
	if !mr.Exists(collectionCacheKey("u1", "spray_db")) {
		t.Fatalf("failed write should not evict")
	}
}

func TestCacheFallsBackWhenRedisUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	cache := NewCache(&stubBackend{
		fetchFn: func(context.Context, string, string) (string, bool, error) { return "[]", true, nil },
	}, client, time.Minute)

	raw, found, err := cache.FetchCollection(context.Background(), "u1", "k")
	if err != nil || !found || raw != "[]" {
		t.Fatalf("expected backend result, raw=%q found=%v err=%v", raw, found, err)
	}
}

func TestCacheWithoutRedis(t *testing.T) {
	var calls int
	cache := NewCache(&stubBackend{
		fetchFn: func(context.Context, string, string) (string, bool, error) {
			calls++
			return "[]", true, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, _, err := cache.FetchCollection(context.Background(), "u1", "k"); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every fetch to reach backend, calls=%d", calls)
	}
}
