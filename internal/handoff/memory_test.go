package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreTakeOnce(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	ctx := context.Background()

	token, err := store.Put(ctx, Pending{Message: "Hello", Model: "model-A"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}

	got, ok, err := store.Take(ctx, token)
	if err != nil || !ok {
		t.Fatalf("first Take: ok=%v err=%v", ok, err)
	}
	if got.Message != "Hello" || got.Model != "model-A" {
		t.Fatalf("unexpected pending %+v", got)
	}
	if _, ok, _ := store.Take(ctx, token); ok {
		t.Fatalf("token consumed twice")
	}
}

func TestMemoryStoreConcurrentTake(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	ctx := context.Background()
	token, err := store.Put(ctx, Pending{Message: "race"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := store.Take(ctx, token); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMemoryStoreRejectsEmpty(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	if _, err := store.Put(context.Background(), Pending{Message: "   ", Model: "m"}); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if _, ok, err := store.Take(context.Background(), ""); ok || err != nil {
		t.Fatalf("empty token should resolve to nothing, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	expired, _ := store.Put(ctx, Pending{Message: "old"})
	now = now.Add(30 * time.Second)
	fresh, _ := store.Put(ctx, Pending{Message: "new"})
	now = now.Add(45 * time.Second)

	if removed := store.sweep(); removed != 1 {
		t.Fatalf("expected one expired entry removed, got %d", removed)
	}
	if _, ok, _ := store.Take(ctx, expired); ok {
		t.Fatalf("expired token should not resolve")
	}
	if _, ok, _ := store.Take(ctx, fresh); !ok {
		t.Fatalf("fresh token should resolve")
	}
}

func TestMemoryStoreTakeAfterTTLWithoutJanitor(t *testing.T) {
	store := NewMemoryStore(time.Second, nil)
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	token, _ := store.Put(context.Background(), Pending{Message: "late"})
	now = now.Add(2 * time.Second)
	if _, ok, _ := store.Take(context.Background(), token); ok {
		t.Fatalf("expired token should not resolve")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should be dropped on take")
	}
}

func TestMemoryStoreJanitorStopsWithContext(t *testing.T) {
	store := NewMemoryStore(time.Millisecond, nil)
	if _, err := store.Put(context.Background(), Pending{Message: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for store.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
