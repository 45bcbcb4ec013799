// Package sessionstore implements port.SessionStore on Redis and in memory.
package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"market_preloader/internal/app/port"

	"github.com/redis/go-redis/v9"
)

const (
	keyLastUserID = "last_user_id"
	keyAppVersion = "app_version"
)

// RedisStore keeps session values under a key prefix so several daemons can share a server.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ port.SessionStore = (*RedisStore)(nil)

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore creates a store using keys "<prefix>:last_user_id" and "<prefix>:app_version".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "preloader"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) get(ctx context.Context, name string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	return v, nil
}

func (s *RedisStore) set(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, s.key(name), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) LastUserID(ctx context.Context) (string, error) {
	return s.get(ctx, keyLastUserID)
}

func (s *RedisStore) SetLastUserID(ctx context.Context, userID string) error {
	return s.set(ctx, keyLastUserID, userID)
}

func (s *RedisStore) ClearLastUserID(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key(keyLastUserID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", keyLastUserID, err)
	}
	return nil
}

func (s *RedisStore) AppVersion(ctx context.Context) (string, error) {
	return s.get(ctx, keyAppVersion)
}

func (s *RedisStore) SetAppVersion(ctx context.Context, version string) error {
	return s.set(ctx, keyAppVersion, version)
}
