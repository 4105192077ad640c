package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// blockLinger keeps a block marker around after it lapses so the next hit
// sees it and resets the window.
const blockLinger = 10 * time.Minute

// RedisStore is a sorted-set sliding window shared by every instance.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	windowKey := config.CacheKey.RateLimitWindowKey(key)
	cutoff := now.Add(-window).UnixMilli()
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, windowKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, windowKey)
		pipe.PExpire(ctx, windowKey, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sliding window %s: %w", key, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until) + blockLinger
	if ttl < blockLinger {
		ttl = blockLinger
	}
	return s.rdb.Set(ctx, config.CacheKey.RateLimitBlockKey(key), until.UnixMilli(), ttl).Err()
}

func (s *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, config.CacheKey.RateLimitBlockKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx,
		config.CacheKey.RateLimitWindowKey(key),
		config.CacheKey.RateLimitBlockKey(key),
	).Err()
}
