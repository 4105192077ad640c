package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// ─── Sessions ───────────────────────────────────────────────────────────────

type fakeSessions struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]model.ExamSession
	order   []uuid.UUID
	updates int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: make(map[uuid.UUID]model.ExamSession)}
}

func cloneSession(s model.ExamSession) model.ExamSession {
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	s.Metadata = meta
	if s.Score != nil {
		score := *s.Score
		score.Results = append([]model.ScoringResult(nil), s.Score.Results...)
		s.Score = &score
	}
	return s
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	c := cloneSession(s)
	return &c, nil
}

func (f *fakeSessions) ListByUserAndExam(_ context.Context, userID int, examID uuid.UUID) ([]model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExamSession
	for i := len(f.order) - 1; i >= 0; i-- {
		s := f.rows[f.order[i]]
		if s.UserID == userID && s.ExamID == examID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessions) CountOpenByUser(_ context.Context, userID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.rows {
		if s.UserID == userID && (s.Status == model.SessionStatusActive || s.Status == model.SessionStatusPaused) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSessions) Create(_ context.Context, s *model.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.UserID == s.UserID && existing.ExamID == s.ExamID && !existing.Status.IsFinal() {
			return pgx.ErrNoRows
		}
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	f.rows[s.ID] = cloneSession(*s)
	f.order = append(f.order, s.ID)
	return nil
}

func (f *fakeSessions) Update(_ context.Context, s *model.ExamSession, from ...model.SessionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rows[s.ID]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if stored.Status == st {
			f.rows[s.ID] = cloneSession(*s)
			f.updates++
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) SaveScore(_ context.Context, id uuid.UUID, score *model.ScoreResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.rows[id]
	c := *score
	s.Score = &c
	f.rows[id] = s
	return nil
}

func (f *fakeSessions) ListOverdue(_ context.Context, now time.Time, limit int) ([]model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExamSession
	for _, id := range f.order {
		s := f.rows[id]
		if s.Status == model.SessionStatusActive && s.Expired(now) && len(out) < limit {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessions) get(id uuid.UUID) model.ExamSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneSession(f.rows[id])
}

// backdate moves a session's start into the past.
func (f *fakeSessions) backdate(id uuid.UUID, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.rows[id]
	started := s.StartedAt.Add(-d)
	s.StartedAt = &started
	f.rows[id] = s
}

// ─── Exams ──────────────────────────────────────────────────────────────────

type fakeExams struct {
	exams     map[uuid.UUID]*model.Exam
	questions map[uuid.UUID][]model.Question
}

func (f *fakeExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := f.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	c := *e
	return &c, nil
}

func (f *fakeExams) ListQuestions(_ context.Context, examID uuid.UUID) ([]model.Question, error) {
	return f.questions[examID], nil
}

// ─── Responses ──────────────────────────────────────────────────────────────

type responseKey struct{ session, question uuid.UUID }

type fakeResponses struct {
	mu         sync.Mutex
	rows       map[responseKey]model.QuestionResponse
	failBulk   bool
	failInsert map[uuid.UUID]bool
	failUpdate map[uuid.UUID]bool
	failList   bool
}

func newFakeResponses() *fakeResponses {
	return &fakeResponses{
		rows:       make(map[responseKey]model.QuestionResponse),
		failInsert: make(map[uuid.UUID]bool),
		failUpdate: make(map[uuid.UUID]bool),
	}
}

func (f *fakeResponses) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.QuestionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errBoom
	}
	var out []model.QuestionResponse
	for k, r := range f.rows {
		if k.session == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResponses) ListByQuestions(_ context.Context, sessionID uuid.UUID, ids []uuid.UUID) ([]model.QuestionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errBoom
	}
	var out []model.QuestionResponse
	for _, id := range ids {
		if r, ok := f.rows[responseKey{sessionID, id}]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResponses) BulkInsert(_ context.Context, rows []model.QuestionResponse) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBulk {
		return 0, errBoom
	}
	var n int64
	for _, r := range rows {
		k := responseKey{r.SessionID, r.QuestionID}
		if _, ok := f.rows[k]; ok {
			continue
		}
		f.rows[k] = r
		n++
	}
	return n, nil
}

func (f *fakeResponses) Insert(_ context.Context, r *model.QuestionResponse) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert[r.QuestionID] {
		return false, errBoom
	}
	k := responseKey{r.SessionID, r.QuestionID}
	if _, ok := f.rows[k]; ok {
		return false, nil
	}
	f.rows[k] = *r
	return true, nil
}

func (f *fakeResponses) Update(_ context.Context, r *model.QuestionResponse) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate[r.QuestionID] {
		return false, errBoom
	}
	k := responseKey{r.SessionID, r.QuestionID}
	cur, ok := f.rows[k]
	if !ok || !cur.AnsweredAt.Before(r.AnsweredAt) {
		return false, nil
	}
	f.rows[k] = *r
	return true, nil
}

func (f *fakeResponses) UpdateGrade(_ context.Context, sessionID, questionID uuid.UUID, isCorrect *bool, points float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := responseKey{sessionID, questionID}
	r, ok := f.rows[k]
	if !ok {
		return pgx.ErrNoRows
	}
	r.IsCorrect = isCorrect
	r.PointsEarned = points
	f.rows[k] = r
	return nil
}

func (f *fakeResponses) count(sessionID uuid.UUID) int {
	rows, _ := f.ListBySession(context.Background(), sessionID)
	return len(rows)
}

func (f *fakeResponses) get(sessionID, questionID uuid.UUID) (model.QuestionResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[responseKey{sessionID, questionID}]
	return r, ok
}

func (f *fakeResponses) put(r model.QuestionResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[responseKey{r.SessionID, r.QuestionID}] = r
}

// ─── Drafts, queue, gate ────────────────────────────────────────────────────

type fakeDrafts struct {
	mu      sync.Mutex
	rows    map[uuid.UUID][]model.CachedAnswer
	deleted []uuid.UUID
}

func (f *fakeDrafts) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.CachedAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CachedAnswer(nil), f.rows[sessionID]...), nil
}

func (f *fakeDrafts) DeleteBySession(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, sessionID)
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeDrafts) add(sessionID uuid.UUID, a model.CachedAnswer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sessionID] = append(f.rows[sessionID], a)
}

type fakeQueue struct {
	mu     sync.Mutex
	drafts []model.DraftAnswerPayload
	jobs   []model.ReconcileJob
}

func (f *fakeQueue) EnqueueDraft(_ context.Context, p model.DraftAnswerPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, p)
	return nil
}

func (f *fakeQueue) EnqueueReconcile(_ context.Context, job model.ReconcileJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeGate struct {
	check *model.AccessCheck
}

func (f *fakeGate) CheckAccess(_ context.Context, actor model.Actor) (*model.AccessCheck, error) {
	if actor.Role != model.RoleStudent {
		return &model.AccessCheck{CanAccess: true, Reason: model.AccessReasonRoleExempt}, nil
	}
	c := *f.check
	return &c, nil
}

// ─── Environment ────────────────────────────────────────────────────────────

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMonitor(events security.EventStore) *security.Monitor {
	return security.NewMonitor(
		security.NewRateLimiter(security.NewMemoryStore(), nil),
		security.NewAnomalyDetector(security.DefaultAnomalyThresholds()),
		security.NewSessionValidator(4*time.Hour),
		security.NewEventLog(events),
		zerolog.Nop(),
	)
}

type testEnv struct {
	svc       *SessionService
	sessions  *fakeSessions
	exams     *fakeExams
	responses *fakeResponses
	drafts    *fakeDrafts
	queue     *fakeQueue
	gate      *fakeGate
	cache     *repository.AnswerCache
	events    *security.MemoryEventStore
	clock     *testClock
	mr        *miniredis.Miniredis

	examID uuid.UUID
	mcID   uuid.UUID
	essay  uuid.UUID
}

var (
	student  = model.Actor{UserID: 7, Role: model.RoleStudent}
	other    = model.Actor{UserID: 8, Role: model.RoleStudent}
	examiner = model.Actor{UserID: 100, Role: model.RoleExaminer}
)

var browserInfo = json.RawMessage(`{"user_agent":"Mozilla/5.0","screen":"1920x1080"}`)

// newTestEnv builds a service over a 30 minute exam with one multiple-choice
// question (correct "2") and one essay, both worth one point.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	examID, mcID, essayID := uuid.New(), uuid.New(), uuid.New()
	exams := &fakeExams{
		exams: map[uuid.UUID]*model.Exam{
			examID: {ID: examID, Title: "Physics", Status: model.ExamStatusPublished, DurationMinutes: 30},
		},
		questions: map[uuid.UUID][]model.Question{
			examID: {
				{
					ID: mcID, ExamID: examID, QuestionType: model.QuestionTypeMultipleChoice,
					Options:       json.RawMessage(`["1","2","3","4"]`),
					CorrectAnswer: json.RawMessage(`["2"]`), Points: 1, OrderNum: 1,
				},
				{ID: essayID, ExamID: examID, QuestionType: model.QuestionTypeEssay, Points: 1, OrderNum: 2},
			},
		},
	}

	env := &testEnv{
		sessions:  newFakeSessions(),
		exams:     exams,
		responses: newFakeResponses(),
		drafts:    &fakeDrafts{rows: make(map[uuid.UUID][]model.CachedAnswer)},
		queue:     &fakeQueue{},
		gate:      &fakeGate{check: &model.AccessCheck{CanAccess: false, Reason: model.AccessReasonNotVerified, RequiresVerification: true}},
		cache:     repository.NewAnswerCache(rdb, 5*time.Minute, 24*time.Hour),
		events:    security.NewMemoryEventStore(1000),
		clock:     &testClock{t: time.Now().UTC().Truncate(time.Second)},
		mr:        mr,
		examID:    examID,
		mcID:      mcID,
		essay:     essayID,
	}

	env.svc = NewSessionService(SessionDeps{
		Sessions:   env.sessions,
		Exams:      env.exams,
		Responses:  env.responses,
		Drafts:     env.drafts,
		Cache:      env.cache,
		Queue:      env.queue,
		Gate:       env.gate,
		Monitor:    newTestMonitor(env.events),
		Reconciler: NewReconciler(env.responses, zerolog.Nop()),
	}, zerolog.Nop())
	env.svc.now = env.clock.now
	env.svc.questions.now = env.clock.now
	t.Cleanup(env.svc.Close)

	return env
}

func (e *testEnv) start(t *testing.T, actor model.Actor) *model.ExamSession {
	t.Helper()
	sess, err := e.svc.StartOrResume(context.Background(), actor, e.examID, browserInfo)
	require.NoError(t, err)
	return sess
}

func (e *testEnv) answer(t *testing.T, sessionID, questionID uuid.UUID, resp string) *model.SubmitAnswerResult {
	t.Helper()
	ts := e.clock.now()
	res, err := e.svc.SubmitAnswer(context.Background(), student, sessionID, model.SubmitAnswerRequest{
		QuestionID:      questionID.String(),
		Response:        json.RawMessage(resp),
		ClientTimestamp: &ts,
	})
	require.NoError(t, err)
	return res
}
