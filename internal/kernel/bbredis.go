package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// RedisDocStore keeps whiteboard documents in Redis so dashboards and other
// processes can observe a team's workspace while it runs. Keys are
// namespaced per task.
type RedisDocStore struct {
	rm      *metrics.RedisMetrics
	prefix  string
	lockTTL time.Duration
}

// NewRedisDocStore connects and namespaces keys under the task id
func NewRedisDocStore(addr, password string, db int, taskID string) (*RedisDocStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("addr", addr).
		Str("task_id", taskID).
		Msg("Redis document store initialized")

	return &RedisDocStore{
		rm:      metrics.NewRedisMetrics(client),
		prefix:  fmt.Sprintf("cadre:blackboard:%s:", taskID),
		lockTTL: DefaultBlackboardConfig().LockTTL,
	}, nil
}

// NewRedisDocStoreFromClient wraps an existing client, for tests
func NewRedisDocStoreFromClient(client *redis.Client, taskID string) *RedisDocStore {
	return &RedisDocStore{
		rm:      metrics.NewRedisMetrics(client),
		prefix:  fmt.Sprintf("cadre:blackboard:%s:", taskID),
		lockTTL: DefaultBlackboardConfig().LockTTL,
	}
}

// Load fetches and decodes a document
func (s *RedisDocStore) Load(ctx context.Context, path string) (*Document, error) {
	data, err := s.rm.Get(ctx, s.prefix+path)
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return &doc, nil
}

// Store encodes and saves a document. Documents never expire.
func (s *RedisDocStore) Store(ctx context.Context, path string, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", path, err)
	}
	if err := s.rm.Set(ctx, s.prefix+path, data, 0); err != nil {
		return fmt.Errorf("failed to store document %s: %w", path, err)
	}
	return nil
}

// WriteLockArtifact mirrors the advisory lock as a TTL'd key. SETNX keeps a
// racing process from clobbering a live artifact; the in-process lock table
// remains authoritative.
func (s *RedisDocStore) WriteLockArtifact(path, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.rm.SetNX(ctx, s.prefix+"lock:"+path, holder, s.lockTTL); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Failed to write lock artifact")
	}
}

// RemoveLockArtifact deletes the lock key
func (s *RedisDocStore) RemoveLockArtifact(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.rm.Del(ctx, s.prefix+"lock:"+path); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Failed to remove lock artifact")
	}
}

// Close releases the underlying client
func (s *RedisDocStore) Close() error {
	return s.rm.Client().Close()
}
