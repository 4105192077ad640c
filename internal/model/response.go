package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CachedAnswer is an in-flight answer held in the answer cache.
type CachedAnswer struct {
	QuestionID      uuid.UUID       `json:"question_id"`
	Response        json.RawMessage `json:"response"`
	ClientTimestamp time.Time       `json:"client_ts"`
	ServerTimestamp time.Time       `json:"server_ts"`
}

// CacheMeta is the per-session metadata kept next to the cached answers.
type CacheMeta struct {
	SessionID        uuid.UUID     `json:"session_id"`
	ExamID           uuid.UUID     `json:"exam_id"`
	UserID           int           `json:"user_id"`
	TimeLimitMinutes int           `json:"time_limit_minutes"`
	StartedAt        time.Time     `json:"started_at"`
	Status           SessionStatus `json:"status"`
}

// QuestionResponse is the durable record of a session's answer to a question.
type QuestionResponse struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	QuestionID   uuid.UUID       `json:"question_id"`
	UserID       int             `json:"user_id"`
	Response     json.RawMessage `json:"response"`
	IsCorrect    *bool           `json:"is_correct"`
	PointsEarned float64         `json:"points_earned"`
	AnsweredAt   time.Time       `json:"answered_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DraftAnswerPayload is the queue message persisted by the draft worker.
type DraftAnswerPayload struct {
	SessionID       uuid.UUID       `json:"session_id"`
	UserID          int             `json:"user_id"`
	QuestionID      uuid.UUID       `json:"question_id"`
	Response        json.RawMessage `json:"response"`
	ClientTimestamp time.Time       `json:"client_ts"`
}

// ReconcileResult summarizes a batch reconciliation into the durable store.
type ReconcileResult struct {
	Success    bool             `json:"success"`
	Processed  int              `json:"processed"`
	Failed     int              `json:"failed"`
	Duplicates int              `json:"duplicates"`
	Errors     []ReconcileError `json:"errors"`
}

// ReconcileError describes one answer that could not be reconciled.
type ReconcileError struct {
	QuestionID uuid.UUID `json:"question_id"`
	Error      string    `json:"error"`
}

// ReconcileJob asks the retry worker to reconcile a finished session again.
type ReconcileJob struct {
	SessionID uuid.UUID `json:"session_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before"`
}
