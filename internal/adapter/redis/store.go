// Package redis implements domain.KVStore on a Redis server.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client, "enrichwatch:")
package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cwygoda/enrichwatch/internal/domain"
)

var _ domain.KVStore = (*Store)(nil)

// Store keeps values as plain Redis strings under an optional prefix.
type Store struct {
	client goredis.Cmdable
	prefix string
}

// New creates a Store. The caller owns the client lifecycle.
func New(client goredis.Cmdable, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// SetMany writes all pairs in a MULTI/EXEC block.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for k, v := range values {
		pipe.Set(ctx, s.key(k), v, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
