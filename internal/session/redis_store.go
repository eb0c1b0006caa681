// Package session keeps anonymous chat transcripts in Redis, one key per
// guest browser and notebook.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"insights/api/internal/chat"
)

// KeyPrefix namespaces stored transcripts; the notebook id follows it.
const KeyPrefix = "chat-history-public-"

// DefaultTTL applies when a store is built with a non-positive TTL.
const DefaultTTL = 30 * 24 * time.Hour

// RedisStore persists transcripts using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed transcript store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "guest:",
		ttl:    ttl,
	}
}

// Scope returns the transcript store of one guest browser.
func (s *RedisStore) Scope(guestID string) *LocalStore {
	return &LocalStore{redis: s, scope: s.prefix + guestID + ":"}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LocalStore is the best-effort transcript store of a single guest. Writes
// always replace the whole transcript of a notebook.
type LocalStore struct {
	redis *RedisStore
	scope string
}

func (l *LocalStore) key(notebookID string) string {
	return l.scope + KeyPrefix + notebookID
}

// Save overwrites the stored transcript. Failures are logged, not returned.
func (l *LocalStore) Save(ctx context.Context, notebookID string, messages []chat.Message) {
	if messages == nil {
		messages = []chat.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		slog.Error("session: encode transcript", "notebook_id", notebookID, "err", err)
		return
	}
	if err := l.redis.client.Set(ctx, l.key(notebookID), data, l.redis.ttl).Err(); err != nil {
		slog.Error("session: save transcript", "notebook_id", notebookID, "err", err)
	}
}

// Load returns the stored transcript. Missing or corrupt data yields an
// empty transcript; an error means Redis could not be read.
func (l *LocalStore) Load(ctx context.Context, notebookID string) ([]chat.Message, error) {
	raw, err := l.redis.client.Get(ctx, l.key(notebookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	var messages []chat.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		slog.Warn("session: discarding corrupt transcript", "notebook_id", notebookID, "err", err)
		return []chat.Message{}, nil
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	return messages, nil
}

// Clear removes the stored transcript of a notebook
func (l *LocalStore) Clear(ctx context.Context, notebookID string) error {
	if err := l.redis.client.Del(ctx, l.key(notebookID)).Err(); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}
