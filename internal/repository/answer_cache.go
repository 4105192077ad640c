package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrCacheMiss is returned when a session has no live cache entry.
var ErrCacheMiss = errors.New("answer cache not initialized")

// setAnswerScript writes one answer only when its client timestamp is not
// older than the stored one, and keeps the answer keys on the meta key's TTL.
//
// KEYS: answers hash, timestamps hash, meta hash
// ARGV: question id, client timestamp (ms), encoded answer
var setAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	return -1
end
local current = redis.call('HGET', KEYS[2], ARGV[1])
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local ttl = redis.call('PTTL', KEYS[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// AnswerCache holds a session's in-flight answers in Redis until they are
// reconciled into PostgreSQL.
type AnswerCache struct {
	rdb          *redis.Client
	grace        time.Duration
	unlimitedTTL time.Duration
}

// NewAnswerCache creates a new AnswerCache.
func NewAnswerCache(rdb *redis.Client, grace, unlimitedTTL time.Duration) *AnswerCache {
	return &AnswerCache{rdb: rdb, grace: grace, unlimitedTTL: unlimitedTTL}
}

// TTL is the session's time limit plus the grace period. Unlimited sessions
// (timeLimitMinutes <= 0) use the configured ceiling.
func (c *AnswerCache) TTL(timeLimitMinutes int) time.Duration {
	if timeLimitMinutes <= 0 {
		return c.unlimitedTTL
	}
	return time.Duration(timeLimitMinutes)*time.Minute + c.grace
}

func keys(sessionID uuid.UUID) (answers, timestamps, meta string) {
	id := sessionID.String()
	return config.CacheKey.SessionAnswersKey(id),
		config.CacheKey.SessionAnswerTimestampsKey(id),
		config.CacheKey.SessionMetaKey(id)
}

// Init seeds the session metadata and (re)arms the TTL on every session key.
func (c *AnswerCache) Init(ctx context.Context, meta model.CacheMeta) error {
	answersKey, tsKey, metaKey := keys(meta.SessionID)
	ttl := c.TTL(meta.TimeLimitMinutes)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey,
			"exam_id", meta.ExamID.String(),
			"user_id", meta.UserID,
			"time_limit", meta.TimeLimitMinutes,
			"started_at", meta.StartedAt.UTC().Format(time.RFC3339Nano),
			"status", string(meta.Status),
		)
		pipe.PExpire(ctx, metaKey, ttl)
		pipe.PExpire(ctx, answersKey, ttl)
		pipe.PExpire(ctx, tsKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("init answer cache: %w", err)
	}
	return nil
}

// Set stores one answer. It reports false when a newer answer for the same
// question is already cached.
func (c *AnswerCache) Set(ctx context.Context, sessionID uuid.UUID, ans model.CachedAnswer) (bool, error) {
	answersKey, tsKey, metaKey := keys(sessionID)

	payload, err := json.Marshal(ans)
	if err != nil {
		return false, fmt.Errorf("marshal answer: %w", err)
	}

	res, err := setAnswerScript.Run(ctx, c.rdb,
		[]string{answersKey, tsKey, metaKey},
		ans.QuestionID.String(), ans.ClientTimestamp.UnixMilli(), payload,
	).Int()
	if err != nil {
		return false, fmt.Errorf("set answer: %w", err)
	}

	switch res {
	case -1:
		return false, ErrCacheMiss
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// GetAll returns every cached answer of a session keyed by question.
func (c *AnswerCache) GetAll(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.CachedAnswer, error) {
	answersKey, _, _ := keys(sessionID)

	raw, err := c.rdb.HGetAll(ctx, answersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}

	out := make(map[uuid.UUID]model.CachedAnswer, len(raw))
	for field, value := range raw {
		qID, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		var ans model.CachedAnswer
		if err := json.Unmarshal([]byte(value), &ans); err != nil {
			continue
		}
		ans.QuestionID = qID
		out[qID] = ans
	}
	return out, nil
}

// Count returns the number of answered questions.
func (c *AnswerCache) Count(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	answersKey, _, _ := keys(sessionID)
	return c.rdb.HLen(ctx, answersKey).Result()
}

// Clear removes every key of the session.
func (c *AnswerCache) Clear(ctx context.Context, sessionID uuid.UUID) error {
	answersKey, tsKey, metaKey := keys(sessionID)
	return c.rdb.Del(ctx, answersKey, tsKey, metaKey).Err()
}

// ExtendTTL re-arms every session key for the given remaining minutes plus grace.
func (c *AnswerCache) ExtendTTL(ctx context.Context, sessionID uuid.UUID, minutes int) error {
	answersKey, tsKey, metaKey := keys(sessionID)
	ttl := c.TTL(minutes)

	pipe := c.rdb.Pipeline()
	pipe.PExpire(ctx, metaKey, ttl)
	pipe.PExpire(ctx, answersKey, ttl)
	pipe.PExpire(ctx, tsKey, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Meta reads the session metadata. Returns ErrCacheMiss when it has expired.
func (c *AnswerCache) Meta(ctx context.Context, sessionID uuid.UUID) (*model.CacheMeta, error) {
	_, _, metaKey := keys(sessionID)

	raw, err := c.rdb.HGetAll(ctx, metaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read cache meta: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrCacheMiss
	}

	meta := &model.CacheMeta{SessionID: sessionID, Status: model.SessionStatus(raw["status"])}
	if meta.ExamID, err = uuid.Parse(raw["exam_id"]); err != nil {
		return nil, fmt.Errorf("cache meta exam_id: %w", err)
	}
	meta.UserID, _ = strconv.Atoi(raw["user_id"])
	meta.TimeLimitMinutes, _ = strconv.Atoi(raw["time_limit"])
	meta.StartedAt, _ = time.Parse(time.RFC3339Nano, raw["started_at"])
	return meta, nil
}

// SetStatus updates the cached session status if the cache is still live.
func (c *AnswerCache) SetStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	_, _, metaKey := keys(sessionID)

	n, err := c.rdb.Exists(ctx, metaKey).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCacheMiss
	}
	return c.rdb.HSet(ctx, metaKey, "status", string(status)).Err()
}
