package handoff

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/askqwen/gptuidemo/internal/redis"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed handoff tests")
	}
	client, err := redis.NewFromAddr(addr)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStoreTakeOnce(t *testing.T) {
	store := NewRedisStore(newTestRedis(t), time.Minute)
	ctx := context.Background()

	token, err := store.Put(ctx, Pending{Message: "Hello", Model: "model-A"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Take(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Take: ok=%v err=%v", ok, err)
	}
	if got.Message != "Hello" || got.Model != "model-A" {
		t.Fatalf("unexpected pending %+v", got)
	}
	if _, ok, err := store.Take(ctx, token); ok || err != nil {
		t.Fatalf("second Take should miss, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreUnknownToken(t *testing.T) {
	store := NewRedisStore(newTestRedis(t), time.Minute)
	if _, ok, err := store.Take(context.Background(), "does-not-exist"); ok || err != nil {
		t.Fatalf("unknown token should miss, ok=%v err=%v", ok, err)
	}
}
