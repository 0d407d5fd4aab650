package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestRedisDeduperAddRemove(t *testing.T) {
	m, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "farmer", "k1")
	if err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	added, err = deduper.Add(ctx, "farmer", "k1")
	if err != nil || added {
		t.Fatalf("duplicate add = %v, %v", added, err)
	}
	if !m.Exists("idem:farmer:k1") {
		t.Fatalf("expected namespaced key in redis, keys=%v", m.Keys())
	}
	if ttl := m.TTL("idem:farmer:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := deduper.Remove(ctx, "farmer", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err = deduper.Add(ctx, "farmer", "k1")
	if err != nil || !added {
		t.Fatalf("add after remove = %v, %v", added, err)
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if ok, _ := deduper.Add(ctx, "farmer", "shared"); !ok {
		t.Fatalf("expected key added for farmer")
	}
	if ok, _ := deduper.Add(ctx, "officer", "shared"); !ok {
		t.Fatalf("keys must be scoped per user")
	}
}

func TestRedisDeduperUnavailable(t *testing.T) {
	m, client := newTestRedis(t)
	m.Close()
	if _, err := NewRedisDeduper(client, time.Minute).Add(context.Background(), "farmer", "k"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
