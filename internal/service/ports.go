package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionStore is the durable store of exam sessions.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	ListByUserAndExam(ctx context.Context, userID int, examID uuid.UUID) ([]model.ExamSession, error)
	CountOpenByUser(ctx context.Context, userID int) (int, error)
	Create(ctx context.Context, s *model.ExamSession) error
	Update(ctx context.Context, s *model.ExamSession, from ...model.SessionStatus) (bool, error)
	SaveScore(ctx context.Context, id uuid.UUID, score *model.ScoreResult) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.ExamSession, error)
}

// ExamReader reads exam definitions.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// ResponseStore is the durable store of reconciled answers.
type ResponseStore interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.QuestionResponse, error)
	ListByQuestions(ctx context.Context, sessionID uuid.UUID, questionIDs []uuid.UUID) ([]model.QuestionResponse, error)
	BulkInsert(ctx context.Context, rows []model.QuestionResponse) (int64, error)
	Insert(ctx context.Context, row *model.QuestionResponse) (bool, error)
	Update(ctx context.Context, row *model.QuestionResponse) (bool, error)
	UpdateGrade(ctx context.Context, sessionID, questionID uuid.UUID, isCorrect *bool, points float64) error
}

// DraftStore reads the write-ahead copy of accepted answers.
type DraftStore interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.CachedAnswer, error)
	DeleteBySession(ctx context.Context, sessionID uuid.UUID) error
}

// AnswerCache holds in-flight answers until reconciliation.
type AnswerCache interface {
	Init(ctx context.Context, meta model.CacheMeta) error
	Set(ctx context.Context, sessionID uuid.UUID, ans model.CachedAnswer) (bool, error)
	GetAll(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.CachedAnswer, error)
	Count(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Clear(ctx context.Context, sessionID uuid.UUID) error
	ExtendTTL(ctx context.Context, sessionID uuid.UUID, minutes int) error
	SetStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error
}

// JobQueue hands work to the background workers.
type JobQueue interface {
	EnqueueDraft(ctx context.Context, p model.DraftAnswerPayload) error
	EnqueueReconcile(ctx context.Context, job model.ReconcileJob) error
}

// AttemptStore records identity verification attempts.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *model.VerificationAttempt) error
	LatestSuccessful(ctx context.Context, userID int) (*model.VerificationAttempt, error)
}

// AccessChecker is the identity verification gate as seen by the session engine.
type AccessChecker interface {
	CheckAccess(ctx context.Context, actor model.Actor) (*model.AccessCheck, error)
}
