package websocket

import (
	"encoding/json"
	"time"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionProgress Action = "progress"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
	// ID is echoed back on the reply so clients can match requests.
	ID string `json:"id,omitempty"`
}

// AnswerRequest carries one answer, shaped like the REST submitAnswer body.
type AnswerRequest struct {
	Action           Action          `json:"action"`
	ID               string          `json:"id,omitempty"`
	QuestionID       string          `json:"question_id" binding:"required,uuid"`
	Response         json.RawMessage `json:"response" binding:"required,answer"`
	ClientTimestamp  *time.Time      `json:"client_timestamp"`
	ResponseTimeMs   int64           `json:"response_time_ms" binding:"min=0"`
	TimeOnQuestionMs int64           `json:"time_on_question_ms" binding:"min=0"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError       Event = "error"
	EventAnswerSaved Event = "answer_saved"
	EventProgress    Event = "progress"
	EventCompleted   Event = "completed"
	EventPong        Event = "pong"
)

// Message is a server event with its payload nested under data.
type Message struct {
	Event Event  `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ErrorResponse reports a failed action. The connection stays open unless
// the session can no longer accept work.
type ErrorResponse struct {
	Event      Event  `json:"event"`
	ID         string `json:"id,omitempty"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	RetryAfter string `json:"retry_after,omitempty"`
}
