package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DraftStore persists write-ahead answer drafts.
type DraftStore interface {
	UpsertBatch(ctx context.Context, batch []model.DraftAnswerPayload) error
	Upsert(ctx context.Context, p model.DraftAnswerPayload) error
}

// DraftWorker consumes persist_answers_queue and upserts answer drafts to PostgreSQL.
type DraftWorker struct {
	store DraftStore
	rdb   *redis.Client
	log   zerolog.Logger
	pause time.Duration
	loop  *batchLoop[model.DraftAnswerPayload]
}

// NewDraftWorker creates a new DraftWorker.
func NewDraftWorker(store DraftStore, rdb *redis.Client, log zerolog.Logger) *DraftWorker {
	w := &DraftWorker{
		store: store,
		rdb:   rdb,
		pause: requeuePause,
		log:   log.With().Str("component", "draft_worker").Logger(),
	}
	w.loop = &batchLoop[model.DraftAnswerPayload]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistAnswersQueue,
		log:   w.log,
		flush: w.flushSafe,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *DraftWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

// flushSafe attempts a bulk upsert, then row-by-row, then requeues what still failed.
func (w *DraftWorker) flushSafe(ctx context.Context, batch []model.DraftAnswerPayload) {
	if len(batch) == 0 {
		return
	}

	err := w.store.UpsertBatch(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk upsert failed, attempting row-by-row recovery")

	var failed []model.DraftAnswerPayload
	for _, p := range batch {
		if err := w.store.Upsert(ctx, p); err != nil {
			w.log.Error().Err(err).
				Str("session_id", p.SessionID.String()).
				Str("question_id", p.QuestionID.String()).
				Msg("Draft upsert failed, requeueing")
			failed = append(failed, p)
		}
	}

	if len(failed) > 0 {
		requeue(ctx, w.rdb, config.WorkerKey.PersistAnswersQueue, failed, w.log)
		sleep(ctx, w.pause)
	}
}
