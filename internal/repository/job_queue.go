package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// JobQueue pushes work onto the Redis lists consumed by the background workers.
type JobQueue struct {
	rdb *redis.Client
}

// NewJobQueue creates a new JobQueue.
func NewJobQueue(rdb *redis.Client) *JobQueue {
	return &JobQueue{rdb: rdb}
}

// EnqueueDraft queues an accepted answer for write-ahead persistence.
func (q *JobQueue) EnqueueDraft(ctx context.Context, p model.DraftAnswerPayload) error {
	return q.push(ctx, config.WorkerKey.PersistAnswersQueue, p)
}

// EnqueueReconcile queues a session whose reconciliation must be retried.
func (q *JobQueue) EnqueueReconcile(ctx context.Context, job model.ReconcileJob) error {
	return q.push(ctx, config.WorkerKey.ReconcileRetryQueue, job)
}

func (q *JobQueue) push(ctx context.Context, queue string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	return q.rdb.RPush(ctx, queue, raw).Err()
}
