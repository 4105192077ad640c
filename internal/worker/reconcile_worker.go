package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Retrier re-runs reconciliation of a finished session.
type Retrier interface {
	RetryReconciliation(ctx context.Context, sessionID uuid.UUID) (*model.ReconcileResult, error)
}

// RetryQueue schedules the next attempt.
type RetryQueue interface {
	EnqueueReconcile(ctx context.Context, job model.ReconcileJob) error
}

// ReconcileWorker consumes reconcile_retry_queue. Each failed attempt is
// rescheduled with exponential backoff until maxAttempts is reached.
type ReconcileWorker struct {
	retrier     Retrier
	queue       RetryQueue
	rdb         *redis.Client
	maxAttempts int
	backoff     time.Duration
	idle        time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

func NewReconcileWorker(retrier Retrier, queue RetryQueue, rdb *redis.Client, maxAttempts int, backoff time.Duration, log zerolog.Logger) *ReconcileWorker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ReconcileWorker{
		retrier:     retrier,
		queue:       queue,
		rdb:         rdb,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		idle:        PollTimeout,
		now:         time.Now,
		log:         log.With().Str("component", "reconcile_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine. Pending jobs stay in
// Redis across restarts.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ReconcileWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.ReconcileRetryQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleep(ctx, redisBackoff)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var job model.ReconcileJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed job")
		return
	}

	if wait := job.NotBefore.Sub(w.now()); wait > 0 {
		// Not due yet: back of the line.
		if err := w.rdb.RPush(ctx, config.WorkerKey.ReconcileRetryQueue, result[1]).Err(); err != nil {
			w.log.Error().Err(err).Str("session_id", job.SessionID.String()).Msg("CRITICAL: Failed to requeue pending job")
		}
		sleep(ctx, min(wait, w.idle))
		return
	}

	w.run(ctx, job)
}

func (w *ReconcileWorker) run(ctx context.Context, job model.ReconcileJob) {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	log := w.log.With().Str("session_id", job.SessionID.String()).Int("attempt", job.Attempt).Logger()

	res, err := w.retrier.RetryReconciliation(ctx, job.SessionID)
	switch {
	case err == nil:
		log.Info().Int("processed", res.Processed).Int("duplicates", res.Duplicates).Msg("Reconciliation retry succeeded")
		return
	case errors.Is(err, service.ErrReconciliationPartial), errors.Is(err, service.ErrDependencyUnavailable):
		// Retryable.
	default:
		log.Error().Err(err).Msg("Reconciliation retry abandoned")
		return
	}

	if job.Attempt >= w.maxAttempts {
		log.Error().Err(err).Msg("Reconciliation retries exhausted")
		return
	}

	next := model.ReconcileJob{
		SessionID: job.SessionID,
		Attempt:   job.Attempt + 1,
		NotBefore: w.now().Add(w.backoff << (job.Attempt - 1)),
	}
	if err := w.queue.EnqueueReconcile(ctx, next); err != nil {
		log.Error().Err(err).Msg("CRITICAL: Failed to schedule reconciliation retry")
		return
	}
	log.Warn().Err(err).Time("not_before", next.NotBefore).Msg("Reconciliation retry rescheduled")
}
