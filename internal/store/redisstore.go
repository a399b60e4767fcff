package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
)

// RedisStore persists state in Redis, one key per namespace. Used when the
// portal state should be shared across machines instead of a local file.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis using the provided configuration.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis")
	}

	return &RedisStore{client: client, prefix: "portal:"}
}

func (r *RedisStore) key(namespace string) string {
	return r.prefix + namespace
}

// Save writes the JSON encoding of v under the namespace key.
func (r *RedisStore) Save(ctx context.Context, namespace string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", namespace, err)
	}
	return r.client.Set(ctx, r.key(namespace), data, 0).Err()
}

// Load reads the namespace into v, returning ErrNotFound on a missing key.
func (r *RedisStore) Load(ctx context.Context, namespace string, v any) error {
	val, err := r.client.Get(ctx, r.key(namespace)).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return fmt.Errorf("unmarshal %s state: %w", namespace, err)
	}
	return nil
}

// Delete removes the namespace key.
func (r *RedisStore) Delete(ctx context.Context, namespace string) error {
	return r.client.Del(ctx, r.key(namespace)).Err()
}

// Close closes the underlying client.
func (r *RedisStore) Close() {
	if r != nil && r.client != nil {
		_ = r.client.Close()
	}
}
