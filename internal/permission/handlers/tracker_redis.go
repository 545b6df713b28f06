package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	processedKeyPrefix = "consentgrid:processed:"

	defaultProcessedTTL = 7 * 24 * time.Hour
)

// RedisTracker shares processed markers between instances. Markers expire so
// the key space stays bounded.
type RedisTracker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisTracker constructs a RedisTracker. ttl <= 0 uses one week.
func NewRedisTracker(client redis.Cmdable, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Claim(ctx context.Context, handler string, eventID uuid.UUID) (bool, error) {
	ok, err := t.client.SetNX(ctx, processedKeyPrefix+trackerKey(handler, eventID), 1, t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim processed marker: %w", err)
	}
	return ok, nil
}

func (t *RedisTracker) Release(ctx context.Context, handler string, eventID uuid.UUID) error {
	if err := t.client.Del(ctx, processedKeyPrefix+trackerKey(handler, eventID)).Err(); err != nil {
		return fmt.Errorf("release processed marker: %w", err)
	}
	return nil
}
