package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("database is down")

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func pushJSON(t *testing.T, rdb *redis.Client, queue string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), queue, raw).Err())
}

// ─── Drafts ─────────────────────────────────────────────────────────────────

type fakeDraftStore struct {
	mu        sync.Mutex
	rows      []model.DraftAnswerPayload
	batches   int
	failBatch bool
	failRow   map[uuid.UUID]bool
}

func (f *fakeDraftStore) UpsertBatch(_ context.Context, batch []model.DraftAnswerPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatch {
		return errDown
	}
	f.batches++
	f.rows = append(f.rows, batch...)
	return nil
}

func (f *fakeDraftStore) Upsert(_ context.Context, p model.DraftAnswerPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRow[p.QuestionID] {
		return errDown
	}
	f.rows = append(f.rows, p)
	return nil
}

func (f *fakeDraftStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func draft(sessionID uuid.UUID) model.DraftAnswerPayload {
	return model.DraftAnswerPayload{
		SessionID:       sessionID,
		UserID:          7,
		QuestionID:      uuid.New(),
		Response:        json.RawMessage(`"b"`),
		ClientTimestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestDraftWorker_FallbackRequeuesFailedRows(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeDraftStore{failBatch: true, failRow: map[uuid.UUID]bool{}}
	w := NewDraftWorker(store, rdb, zerolog.Nop())
	w.pause = time.Millisecond

	sessionID := uuid.New()
	ok, bad := draft(sessionID), draft(sessionID)
	store.failRow[bad.QuestionID] = true

	w.flushSafe(context.Background(), []model.DraftAnswerPayload{ok, bad})

	require.Equal(t, 1, store.count())
	assert.Equal(t, ok.QuestionID, store.rows[0].QuestionID)

	queued, err := rdb.LRange(context.Background(), config.WorkerKey.PersistAnswersQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var back model.DraftAnswerPayload
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &back))
	assert.Equal(t, bad.QuestionID, back.QuestionID)
	assert.True(t, bad.ClientTimestamp.Equal(back.ClientTimestamp))
}

func TestDraftWorker_ConsumesQueue(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeDraftStore{failRow: map[uuid.UUID]bool{}}
	w := NewDraftWorker(store, rdb, zerolog.Nop())

	sessionID := uuid.New()
	for i := 0; i < 3; i++ {
		pushJSON(t, rdb, config.WorkerKey.PersistAnswersQueue, draft(sessionID))
	}
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistAnswersQueue, "not json").Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.count() == 3 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDraftWorker_ShutdownDrainsQueue(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeDraftStore{failRow: map[uuid.UUID]bool{}}
	w := NewDraftWorker(store, rdb, zerolog.Nop())

	sessionID := uuid.New()
	for i := 0; i < 4; i++ {
		pushJSON(t, rdb, config.WorkerKey.PersistAnswersQueue, draft(sessionID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	assert.Equal(t, 4, store.count())
	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistAnswersQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ─── Security events ────────────────────────────────────────────────────────

type fakeEventStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]model.SecurityEvent
	failCopy bool
	failRow  map[uuid.UUID]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{rows: map[uuid.UUID]model.SecurityEvent{}, failRow: map[uuid.UUID]bool{}}
}

func (f *fakeEventStore) CopyBatch(_ context.Context, events []model.SecurityEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCopy {
		return 0, errDown
	}
	for _, ev := range events {
		f.rows[ev.ID] = ev
	}
	return int64(len(events)), nil
}

func (f *fakeEventStore) Insert(_ context.Context, ev model.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRow[ev.ID] {
		return errDown
	}
	f.rows[ev.ID] = ev
	return nil
}

func securityEvent() model.SecurityEvent {
	sessionID := uuid.New()
	return model.SecurityEvent{
		ID:        uuid.New(),
		Type:      model.EventSuspiciousActivity,
		SessionID: &sessionID,
		UserID:    7,
		Severity:  model.SeverityMedium,
		Details:   map[string]any{"risk_score": float64(55)},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSecurityEventWorker_FlushPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("bulk copy", func(t *testing.T) {
		store := newFakeEventStore()
		w := NewSecurityEventWorker(store, newRedis(t), zerolog.Nop())

		w.flushSafe(ctx, []model.SecurityEvent{securityEvent(), securityEvent()})
		assert.Len(t, store.rows, 2)
	})

	t.Run("row fallback and requeue", func(t *testing.T) {
		rdb := newRedis(t)
		store := newFakeEventStore()
		store.failCopy = true
		w := NewSecurityEventWorker(store, rdb, zerolog.Nop())
		w.pause = time.Millisecond

		good, bad := securityEvent(), securityEvent()
		store.failRow[bad.ID] = true

		w.flushSafe(ctx, []model.SecurityEvent{good, bad})
		assert.Contains(t, store.rows, good.ID)
		assert.NotContains(t, store.rows, bad.ID)

		queued, err := rdb.LRange(ctx, config.WorkerKey.PersistSecurityEventsQueue, 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, queued, 1)

		var back model.SecurityEvent
		require.NoError(t, json.Unmarshal([]byte(queued[0]), &back))
		assert.Equal(t, bad.ID, back.ID)
		assert.Equal(t, bad.Type, back.Type)
	})
}

func TestSecurityEventWorker_ShutdownDrainsQueue(t *testing.T) {
	rdb := newRedis(t)
	store := newFakeEventStore()
	w := NewSecurityEventWorker(store, rdb, zerolog.Nop())

	for i := 0; i < 3; i++ {
		pushJSON(t, rdb, config.WorkerKey.PersistSecurityEventsQueue, securityEvent())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	assert.Len(t, store.rows, 3)
}

// ─── Reconcile retries ──────────────────────────────────────────────────────

type fakeRetrier struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeRetrier) RetryReconciliation(_ context.Context, sessionID uuid.UUID) (*model.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	if f.err != nil {
		return &model.ReconcileResult{Failed: 1}, f.err
	}
	return &model.ReconcileResult{Success: true, Processed: 2}, nil
}

func newReconcileWorker(t *testing.T, retrier *fakeRetrier) (*ReconcileWorker, *redis.Client, time.Time) {
	t.Helper()
	rdb := newRedis(t)
	now := time.Now().UTC().Truncate(time.Second)
	w := NewReconcileWorker(retrier, repository.NewJobQueue(rdb), rdb, 3, 10*time.Second, zerolog.Nop())
	w.now = func() time.Time { return now }
	w.idle = time.Millisecond
	return w, rdb, now
}

func queuedJobs(t *testing.T, rdb *redis.Client) []model.ReconcileJob {
	t.Helper()
	raw, err := rdb.LRange(context.Background(), config.WorkerKey.ReconcileRetryQueue, 0, -1).Result()
	require.NoError(t, err)
	jobs := make([]model.ReconcileJob, 0, len(raw))
	for _, r := range raw {
		var j model.ReconcileJob
		require.NoError(t, json.Unmarshal([]byte(r), &j))
		jobs = append(jobs, j)
	}
	return jobs
}

func TestReconcileWorker_Success(t *testing.T) {
	retrier := &fakeRetrier{}
	w, rdb, now := newReconcileWorker(t, retrier)
	id := uuid.New()

	pushJSON(t, rdb, config.WorkerKey.ReconcileRetryQueue, model.ReconcileJob{SessionID: id, Attempt: 1, NotBefore: now})
	w.processNext(context.Background())

	assert.Equal(t, []uuid.UUID{id}, retrier.calls)
	assert.Empty(t, queuedJobs(t, rdb))
}

func TestReconcileWorker_BackoffAndGiveUp(t *testing.T) {
	retrier := &fakeRetrier{err: service.ErrReconciliationPartial}
	w, rdb, now := newReconcileWorker(t, retrier)
	id := uuid.New()

	pushJSON(t, rdb, config.WorkerKey.ReconcileRetryQueue, model.ReconcileJob{SessionID: id, Attempt: 2, NotBefore: now})
	w.processNext(context.Background())

	jobs := queuedJobs(t, rdb)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempt)
	assert.True(t, jobs[0].NotBefore.Equal(now.Add(20*time.Second)), "second retry waits twice the base backoff")

	// Third attempt is the last one.
	w.now = func() time.Time { return now.Add(time.Minute) }
	w.processNext(context.Background())
	assert.Len(t, retrier.calls, 2)
	assert.Empty(t, queuedJobs(t, rdb))
}

func TestReconcileWorker_WaitsUntilDue(t *testing.T) {
	retrier := &fakeRetrier{}
	w, rdb, now := newReconcileWorker(t, retrier)

	pushJSON(t, rdb, config.WorkerKey.ReconcileRetryQueue, model.ReconcileJob{SessionID: uuid.New(), Attempt: 1, NotBefore: now.Add(time.Hour)})
	w.processNext(context.Background())

	assert.Empty(t, retrier.calls)
	assert.Len(t, queuedJobs(t, rdb), 1)
}

func TestReconcileWorker_DropsPermanentFailures(t *testing.T) {
	retrier := &fakeRetrier{err: service.ErrNotFound}
	w, rdb, now := newReconcileWorker(t, retrier)

	pushJSON(t, rdb, config.WorkerKey.ReconcileRetryQueue, model.ReconcileJob{SessionID: uuid.New(), Attempt: 1, NotBefore: now})
	w.processNext(context.Background())

	assert.Len(t, retrier.calls, 1)
	assert.Empty(t, queuedJobs(t, rdb))
}
