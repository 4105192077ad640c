package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	shutdownTimeout = 5 * time.Second
	redisBackoff    = 3 * time.Second
	requeuePause    = 2 * time.Second
)

// batchLoop drains a Redis list into batches of T, flushing on size or age.
type batchLoop[T any] struct {
	rdb   *redis.Client
	queue string
	log   zerolog.Logger
	flush func(ctx context.Context, batch []T)
}

func (b *batchLoop[T]) run(ctx context.Context) {
	b.log.Info().Str("queue", b.queue).Msg("Worker started")

	buffer := make([]T, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			b.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			b.shutdown(buffer)
			return
		default:
		}

		result, err := b.rdb.BLPop(ctx, PollTimeout, b.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, redisBackoff)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads can never succeed; drop them.
			b.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed payload")
			continue
		}
		buffer = append(buffer, item)
	}
}

// shutdown flushes the buffer, then drains whatever is still queued.
func (b *batchLoop[T]) shutdown(buffer []T) {
	b.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if len(buffer) > 0 {
		b.flush(ctx, buffer)
	}

	drained := 0
	for ctx.Err() == nil {
		raw, err := b.rdb.LPopCount(ctx, b.queue, BatchSize).Result()
		if err != nil || len(raw) == 0 {
			break
		}
		batch := make([]T, 0, len(raw))
		for _, r := range raw {
			var item T
			if err := json.Unmarshal([]byte(r), &item); err != nil {
				b.log.Error().Err(err).Msg("Drain unmarshal error")
				continue
			}
			batch = append(batch, item)
		}
		b.flush(ctx, batch)
		drained += len(batch)
	}

	if drained > 0 {
		b.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
	b.log.Info().Msg("Worker stopped")
}

// requeue pushes failed items back onto queue in one pipeline.
func requeue[T any](ctx context.Context, rdb *redis.Client, queue string, items []T, log zerolog.Logger) {
	if len(items) == 0 {
		return
	}

	pipe := rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			log.Error().Err(err).Msg("Dropping unencodable item")
			continue
		}
		pipe.RPush(ctx, queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
