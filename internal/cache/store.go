package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
)

// Store is the cache store contract. Entries are overwritten wholesale and
// never partially mutated, so concurrent writers to the same key race on a
// last-write-wins basis without read-modify-write hazards.
type Store interface {
	// Get returns the value for key; a not_found error signals a miss
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key with the given TTL and tag memberships
	Set(ctx context.Context, key, value string, ttl time.Duration, tags []string) error
	// MGet returns the present values for the given keys
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	// ClearByTag removes every entry carrying the tag, returning the count
	ClearByTag(ctx context.Context, tag string) (int, error)
	// TTL returns the remaining time to live for key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

const tagKeyPrefix = "aegis:tag:"

// RedisStore is the Redis-backed cache store
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks the Redis connection
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Get returns the value for key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errors.NewNotFoundError("cache key")
	}
	if err != nil {
		return "", errors.NewInternalError("failed to get cache value").WithCause(err)
	}
	return value, nil
}

// Set stores value with TTL and registers the key under each tag
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration, tags []string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	for _, tag := range tags {
		tagKey := tagKeyPrefix + tag
		pipe.SAdd(ctx, tagKey, key)
		// Tag sets outlive their members slightly; ClearByTag prunes them
		pipe.Expire(ctx, tagKey, ttl+time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewInternalError("failed to set cache value").WithCause(err)
	}
	return nil
}

// MGet returns the present values for the given keys
func (s *RedisStore) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to mget cache values").WithCause(err)
	}
	result := make(map[string]string, len(keys))
	for i, v := range values {
		if str, ok := v.(string); ok {
			result[keys[i]] = str
		}
	}
	return result, nil
}

// ClearByTag removes every entry carrying the tag
func (s *RedisStore) ClearByTag(ctx context.Context, tag string) (int, error) {
	tagKey := tagKeyPrefix + tag
	members, err := s.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to read tag set").WithCause(err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	deleted, err := s.client.Del(ctx, members...).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to clear tagged keys").WithCause(err)
	}
	s.client.Del(ctx, tagKey)
	return int(deleted), nil
}

// TTL returns the remaining time to live for key
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to get TTL").WithCause(err)
	}
	return ttl, nil
}
