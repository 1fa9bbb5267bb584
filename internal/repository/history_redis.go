package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisHistoryStore keeps each document's undo history in a Redis list,
// newest entry at the tail.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewRedisHistoryStore connects to Redis and verifies the connection
func NewRedisHistoryStore(redisURL string, limit int) (*RedisHistoryStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisHistoryStoreWithClient(client, limit), nil
}

// NewRedisHistoryStoreWithClient creates a store from an existing Redis client
func NewRedisHistoryStoreWithClient(client *redis.Client, limit int) *RedisHistoryStore {
	return &RedisHistoryStore{
		client: client,
		prefix: "history:",
		limit:  int64(limit),
	}
}

func (s *RedisHistoryStore) key(documentID string) string {
	return s.prefix + documentID
}

// Push appends an operation and trims the list to the configured limit
func (s *RedisHistoryStore) Push(ctx context.Context, documentID string, op models.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	key := s.key(documentID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.limit > 0 {
		pipe.LTrim(ctx, key, -s.limit, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push history entry: %w", err)
	}

	return nil
}

// Pop removes and returns the newest operation
func (s *RedisHistoryStore) Pop(ctx context.Context, documentID string) (models.Operation, bool, error) {
	data, err := s.client.RPop(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Operation{}, false, nil
	}
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("pop history entry: %w", err)
	}

	var op models.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return models.Operation{}, false, fmt.Errorf("unmarshal history entry: %w", err)
	}
	return op, true, nil
}

// depth returns the number of entries kept for a document
func (s *RedisHistoryStore) depth(ctx context.Context, documentID string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("history length: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis connection
func (s *RedisHistoryStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisHistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
