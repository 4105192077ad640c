package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SecurityEventStore is the durable audit table for security events.
type SecurityEventStore interface {
	CopyBatch(ctx context.Context, events []model.SecurityEvent) (int64, error)
	Insert(ctx context.Context, e model.SecurityEvent) error
}

// SecurityEventWorker moves queued security events into PostgreSQL.
type SecurityEventWorker struct {
	store SecurityEventStore
	rdb   *redis.Client
	log   zerolog.Logger
	pause time.Duration
	loop  *batchLoop[model.SecurityEvent]
}

func NewSecurityEventWorker(store SecurityEventStore, rdb *redis.Client, log zerolog.Logger) *SecurityEventWorker {
	w := &SecurityEventWorker{
		store: store,
		rdb:   rdb,
		pause: requeuePause,
		log:   log.With().Str("component", "security_event_worker").Logger(),
	}
	w.loop = &batchLoop[model.SecurityEvent]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistSecurityEventsQueue,
		log:   w.log,
		flush: w.flushSafe,
	}
	return w
}

func (w *SecurityEventWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

// flushSafe attempts COPY, then row-by-row inserts, then requeue.
func (w *SecurityEventWorker) flushSafe(ctx context.Context, batch []model.SecurityEvent) {
	if len(batch) == 0 {
		return
	}

	_, err := w.store.CopyBatch(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, attempting row-by-row recovery")

	var failed []model.SecurityEvent
	for _, ev := range batch {
		// Insert ignores ids that an earlier attempt already stored.
		if err := w.store.Insert(ctx, ev); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID.String()).Int("user_id", ev.UserID).Msg("Insert failed, requeueing")
			failed = append(failed, ev)
		}
	}

	if len(failed) > 0 {
		requeue(ctx, w.rdb, config.WorkerKey.PersistSecurityEventsQueue, failed, w.log)
		sleep(ctx, w.pause)
	}
}
