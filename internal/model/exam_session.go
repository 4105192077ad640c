package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusTerminated SessionStatus = "terminated"
)

// OpenSessionStatuses are the states in which a session still accepts work.
var OpenSessionStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusActive,
	SessionStatusPaused,
}

// IsFinal reports whether no further transition is possible.
func (s SessionStatus) IsFinal() bool {
	return s == SessionStatusCompleted || s == SessionStatusTerminated
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusActive, SessionStatusTerminated},
	SessionStatusActive:  {SessionStatusPaused, SessionStatusCompleted, SessionStatusTerminated},
	SessionStatusPaused:  {SessionStatusActive, SessionStatusCompleted, SessionStatusTerminated},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// VerificationStatus records whether the identity gate passed at session start.
type VerificationStatus string

const (
	VerificationStatusUnverified VerificationStatus = "unverified"
	VerificationStatusVerified   VerificationStatus = "verified"
)

// ExamSession represents one user's attempt at one exam.
type ExamSession struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             int                `json:"user_id"`
	ExamID             uuid.UUID          `json:"exam_id"`
	Status             SessionStatus      `json:"status"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	TimeLimitSeconds   *int               `json:"time_limit_seconds,omitempty"`
	TimeRemaining      *int               `json:"time_remaining"`
	PausedAt           *time.Time         `json:"paused_at,omitempty"`
	PausedSeconds      int                `json:"paused_seconds"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerificationTime   *time.Time         `json:"verification_time,omitempty"`
	BrowserInfo        json.RawMessage    `json:"browser_info,omitempty"`
	Metadata           map[string]any     `json:"metadata"`
	Score              *ScoreResult       `json:"score,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Deadline returns the instant the countdown reaches zero, accounting for
// time spent paused. Returns nil for unlimited sessions or sessions not yet started.
func (s *ExamSession) Deadline(now time.Time) *time.Time {
	if s.TimeLimitSeconds == nil || s.StartedAt == nil {
		return nil
	}
	paused := time.Duration(s.PausedSeconds) * time.Second
	if s.Status == SessionStatusPaused && s.PausedAt != nil {
		paused += now.Sub(*s.PausedAt)
	}
	d := s.StartedAt.Add(time.Duration(*s.TimeLimitSeconds)*time.Second + paused)
	return &d
}

// Remaining returns the seconds left on the countdown, clamped at zero.
// Returns nil for unlimited sessions.
func (s *ExamSession) Remaining(now time.Time) *int {
	if s.Status.IsFinal() {
		return s.TimeRemaining
	}
	if s.TimeLimitSeconds == nil {
		return nil
	}
	deadline := s.Deadline(now)
	if deadline == nil {
		left := *s.TimeLimitSeconds
		return &left
	}
	left := int(deadline.Sub(now) / time.Second)
	if left < 0 {
		left = 0
	}
	return &left
}

// Expired reports whether a timed session has run out of time.
func (s *ExamSession) Expired(now time.Time) bool {
	deadline := s.Deadline(now)
	return deadline != nil && !now.Before(*deadline)
}

// ─── Requests ───────────────────────────────────────────────────────────────

// StartSessionRequest is the payload for starting or resuming a session.
type StartSessionRequest struct {
	ExamID      string          `json:"exam_id" binding:"required,uuid"`
	BrowserInfo json.RawMessage `json:"browser_info"`
}

// UpdateSessionRequest drives a lifecycle transition.
type UpdateSessionRequest struct {
	Action string `json:"action" binding:"required,oneof=pause resume complete terminate"`
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

// SubmitAnswerRequest is one answer sent by the client.
type SubmitAnswerRequest struct {
	QuestionID       string          `json:"question_id" binding:"required,uuid"`
	Response         json.RawMessage `json:"response" binding:"required,answer"`
	ClientTimestamp  *time.Time      `json:"client_timestamp"`
	ResponseTimeMs   int64           `json:"response_time_ms" binding:"min=0"`
	TimeOnQuestionMs int64           `json:"time_on_question_ms" binding:"min=0"`
}

// SubmitBatchRequest carries a bulk autosave of answers.
type SubmitBatchRequest struct {
	Responses []SubmitAnswerRequest `json:"responses" binding:"required,min=1,max=500,dive"`
}

// GradeResponseRequest is an examiner's manual grade for one question.
type GradeResponseRequest struct {
	Points    float64 `json:"points" binding:"min=0"`
	IsCorrect bool    `json:"is_correct"`
}

// ─── Results ────────────────────────────────────────────────────────────────

// SessionProgress is the read-only progress view of a session.
type SessionProgress struct {
	SessionID            uuid.UUID     `json:"session_id"`
	Status               SessionStatus `json:"status"`
	TotalQuestions       int           `json:"total_questions"`
	AnsweredQuestions    int           `json:"answered_questions"`
	CompletionPercentage float64       `json:"completion_percentage"`
	TimeRemaining        *int          `json:"time_remaining"`
}

// SubmitAnswerResult reports what happened to a single submitted answer.
type SubmitAnswerResult struct {
	QuestionID    uuid.UUID `json:"question_id"`
	Saved         bool      `json:"saved"`
	AnsweredCount int64     `json:"answered_count"`
	Flagged       bool      `json:"flagged"`
}

// CompletionResult is returned by complete and terminate.
type CompletionResult struct {
	Session        *ExamSession     `json:"session"`
	Score          *ScoreResult     `json:"score"`
	Reconciliation *ReconcileResult `json:"reconciliation,omitempty"`
}

// RosterEntry is one open session on the live exam roster.
type RosterEntry struct {
	SessionID      uuid.UUID     `json:"session_id"`
	UserID         int           `json:"user_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      *time.Time    `json:"started_at"`
	AnsweredCount  int64         `json:"answered_count"`
	SecurityEvents int64         `json:"security_events"`
}
