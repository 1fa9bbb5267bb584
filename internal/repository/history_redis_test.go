package repository

import (
	"context"
	"testing"

	"docsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
)

func setupTestRedis(t *testing.T, limit int) (*RedisHistoryStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisHistoryStore("redis://"+s.Addr(), limit)
	if err != nil {
		t.Fatalf("failed to create redis history store: %v", err)
	}
	return store, s
}

func TestNewRedisHistoryStore(t *testing.T) {
	store, s := setupTestRedis(t, 10)
	defer s.Close()
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisHistoryStoreBadURL(t *testing.T) {
	if _, err := NewRedisHistoryStore("not-a-url", 10); err == nil {
		t.Error("expected error for invalid url, got nil")
	}
}

func TestRedisHistoryPushPop(t *testing.T) {
	store, s := setupTestRedis(t, 10)
	defer s.Close()
	defer store.Close()

	ctx := context.Background()

	_, ok, err := store.Pop(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Pop on empty failed: %v", err)
	}
	assert.Equal(t, false, ok)

	if err := store.Push(ctx, "doc-1", models.Insert(0, "Hello")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := store.Push(ctx, "doc-1", models.Delete(2, "ll")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	op, ok, err := store.Pop(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	assert.Equal(t, true, ok)
	assert.Equal(t, models.Delete(2, "ll"), op)

	op, ok, _ = store.Pop(ctx, "doc-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, models.Insert(0, "Hello"), op)

	_, ok, _ = store.Pop(ctx, "doc-1")
	assert.Equal(t, false, ok)
}

func TestRedisHistoryLimitAndIsolation(t *testing.T) {
	store, s := setupTestRedis(t, 2)
	defer s.Close()
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := store.Push(ctx, "doc-1", models.Insert(i, "x")); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := store.Push(ctx, "doc-2", models.Insert(0, "y")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	n, err := store.depth(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	assert.Equal(t, 2, n)

	n, _ = store.depth(ctx, "doc-2")
	assert.Equal(t, 1, n)

	assert.Equal(t, true, s.Exists("history:doc-1"))
}
