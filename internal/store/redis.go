package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tickwatch/tickwatch/internal/config"
)

const redisKeyPrefix = "tickwatch:snapshot:"

// Redis stores snapshots as plain keys with the cold TTL as expiry, so
// stale snapshots age out without a reaper.
type Redis struct {
	client  *goredis.Client
	coldTTL time.Duration
}

// NewRedis connects and verifies a Redis-backed snapshot store.
func NewRedis(ctx context.Context, cfg config.RedisConfig, coldTTL time.Duration) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return &Redis{client: client, coldTTL: coldTTL}, nil
}

func (r *Redis) key(userID string) string {
	return redisKeyPrefix + userID
}

// Save replaces the snapshot and refreshes its expiry.
func (r *Redis) Save(ctx context.Context, userID string, data []byte) error {
	if err := r.client.Set(ctx, r.key(userID), data, r.coldTTL).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", userID, err)
	}
	return nil
}

// Load returns the snapshot blob, or ErrNotFound when missing or expired.
func (r *Redis) Load(ctx context.Context, userID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", userID, err)
	}
	return data, nil
}

// Delete removes the snapshot for a user.
func (r *Redis) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", userID, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() {
	_ = r.client.Close()
}
