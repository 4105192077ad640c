package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionEventsTTL = 24 * time.Hour

// RedisEventStore keeps capped event lists in Redis. Every appended event is
// also published on its exam's live channel and queued for durable storage.
type RedisEventStore struct {
	rdb      *redis.Client
	capacity int64
}

var _ EventStore = (*RedisEventStore)(nil)

func NewRedisEventStore(rdb *redis.Client, capacity int) *RedisEventStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RedisEventStore{rdb: rdb, capacity: int64(capacity)}
}

func (s *RedisEventStore) Append(ctx context.Context, ev model.SecurityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.rdb.Pipeline()
	globalKey := config.CacheKey.SecurityEventsKey()
	pipe.LPush(ctx, globalKey, payload)
	pipe.LTrim(ctx, globalKey, 0, s.capacity-1)

	if ev.SessionID != nil {
		sessionKey := config.CacheKey.SessionSecurityEventsKey(ev.SessionID.String())
		pipe.LPush(ctx, sessionKey, payload)
		pipe.LTrim(ctx, sessionKey, 0, s.capacity-1)
		pipe.Expire(ctx, sessionKey, sessionEventsTTL)
	}
	if ev.ExamID != nil {
		pipe.Publish(ctx, config.CacheKey.ExamSecurityChannel(ev.ExamID.String()), payload)
	}
	pipe.RPush(ctx, config.WorkerKey.PersistSecurityEventsQueue, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisEventStore) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.SecurityEvent, error) {
	return s.list(ctx, config.CacheKey.SessionSecurityEventsKey(sessionID.String()), limit)
}

func (s *RedisEventStore) Recent(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	return s.list(ctx, config.CacheKey.SecurityEventsKey(), limit)
}

func (s *RedisEventStore) list(ctx context.Context, key string, limit int) ([]model.SecurityEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]model.SecurityEvent, 0, len(raw))
	for _, r := range raw {
		var ev model.SecurityEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
