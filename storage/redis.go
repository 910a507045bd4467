package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores values as plain Redis strings under an optional key
// namespace. Suitable for sharing state between instances.
type Redis struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedis wraps an existing client. namespace, when non-empty, is
// prepended to every key as "<namespace>:".
func NewRedis(client redis.UniversalClient, namespace string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("storage: redis client cannot be nil")
	}
	return &Redis{client: client, namespace: namespace}, nil
}

func (r *Redis) key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *Redis) stripNamespace(full string) string {
	if r.namespace == "" {
		return full
	}
	return full[len(r.namespace)+1:]
}

func (r *Redis) Store(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("storing %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("loading %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("loading %q: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting %q: %w", key, ErrNotFound)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, r.stripNamespace(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}
