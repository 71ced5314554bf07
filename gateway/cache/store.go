// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package cache wraps the shared Redis store behind typed, nil-safe
// accessors. Every payload is a JSON schema per key namespace and is
// validated on read: malformed entries are logged and discarded instead
// of crashing the caller. A nil *Store is a valid degraded mode - all
// accessors report ErrUnavailable and callers decide their own
// fail-open or skip policy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrUnavailable indicates the backing store is absent or unreachable.
// Callers treat it per their degradation policy (fail open, skip tick).
var ErrUnavailable = errors.New("cache store unavailable")

// Store is a thin typed layer over a shared Redis instance. The zero
// of *Store (nil) is usable and always unavailable.
type Store struct {
	client *redis.Client
	logger *log.Logger
}

// New connects to Redis by URL (redis://host:port/db) and pings it.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing Redis client (used by tests with
// miniredis).
func NewWithClient(client *redis.Client) *Store {
	return &Store{
		client: client,
		logger: log.New(os.Stdout, "[CACHE] ", log.LstdFlags),
	}
}

// Available reports whether the store can serve requests.
func (s *Store) Available() bool {
	return s != nil && s.client != nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if !s.Available() {
		return nil
	}
	return s.client.Close()
}

// SetJSON stores a JSON-encoded value with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !s.Available() {
		return ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON reads and decodes a value. Returns (false, nil) on a miss.
// A malformed entry is deleted and reported as a miss rather than an
// error so one bad write cannot wedge its readers.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !s.Available() {
		return false, ErrUnavailable
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Printf("Discarding malformed entry at %s: %v", key, err)
		s.client.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	if !s.Available() {
		return ErrUnavailable
	}
	return s.client.Del(ctx, key).Err()
}

// IncrWithTTL atomically increments a counter; the first increment in a
// window sets the expiry so the counter self-resets.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// TTL returns the remaining lifetime of a key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	return s.client.TTL(ctx, key).Result()
}

// PushJSON appends a JSON-encoded item to the tail of a list queue.
// Appends from concurrent producers interleave safely (RPUSH is atomic).
func (s *Store) PushJSON(ctx context.Context, key string, value any) error {
	if !s.Available() {
		return ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s item: %w", key, err)
	}
	return s.client.RPush(ctx, key, data).Err()
}

// PopRaw destructively pops up to count items from the head of a list
// queue. Each item is consumed at most once even with multiple drainers
// (LPOP is atomic). An empty queue returns (nil, nil).
func (s *Store) PopRaw(ctx context.Context, key string, count int) ([][]byte, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}

	items, err := s.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, 0, len(items))
	for _, item := range items {
		raw = append(raw, []byte(item))
	}
	return raw, nil
}

// QueueLen returns the current length of a list queue.
func (s *Store) QueueLen(ctx context.Context, key string) (int64, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	return s.client.LLen(ctx, key).Result()
}

// SetHash replaces a hash's fields and refreshes its TTL.
func (s *Store) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if !s.Available() {
		return ErrUnavailable
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetHash reads all fields of a hash. A missing key returns an empty
// map and no error.
func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}
	return s.client.HGetAll(ctx, key).Result()
}

// Ping verifies connectivity, used by service health checks.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Available() {
		return ErrUnavailable
	}
	return s.client.Ping(ctx).Err()
}
