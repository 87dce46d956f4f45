/*
Logic: shared L2 cache, a thin wrapper over go-redis holding JSON-encoded
context records with a hard per-call timeout so a slow or dead Redis never
blocks the request past its share of the latency budget (§5.1). Adapted
from the donor's redisclient.Client (redisclient/redis.go) — same
redis.ParseURL-from-config construction and minimal method-set style —
expanded from a bare Ping health check into Get/Set/Del with JSON
marshaling, since the donor's Redis usage elsewhere was limited to rate
limiting, not value storage.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss indicates the key was not present in L2.
var ErrMiss = errors.New("l2 cache miss")

// L2 wraps a shared Redis instance used as the second cache tier.
type L2 struct {
	rdb     *redis.Client
	timeout time.Duration
	prefix  string
}

// NewL2 creates an L2 cache client from a Redis connection URL.
func NewL2(redisURL, keyPrefix string, timeout time.Duration) (*L2, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &L2{rdb: redis.NewClient(opt), timeout: timeout, prefix: keyPrefix}, nil
}

func (l *L2) k(key string) string {
	return l.prefix + ":" + key
}

// Get fetches and JSON-decodes a value into dest. Returns ErrMiss if absent.
func (l *L2) Get(ctx context.Context, key string, dest interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	raw, err := l.rdb.Get(ctx, l.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("l2 get: %w", err)
	}
	return json.Unmarshal(raw, dest)
}

// Set JSON-encodes value and stores it under key with the given TTL.
func (l *L2) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("l2 marshal: %w", err)
	}
	return l.rdb.Set(ctx, l.k(key), raw, ttl).Err()
}

// Del removes key from L2, used to invalidate after a warehouse write.
func (l *L2) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.rdb.Del(ctx, l.k(key)).Err()
}

// Ping checks Redis reachability (adapted from the donor's health check).
func (l *L2) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (l *L2) Close() error {
	return l.rdb.Close()
}
