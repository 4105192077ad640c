package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionEngine is the session lifecycle as seen by the transport layer.
type SessionEngine interface {
	StartOrResume(ctx context.Context, actor model.Actor, examID uuid.UUID, browserInfo json.RawMessage) (*model.ExamSession, error)
	GetSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error)
	Pause(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error)
	Resume(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error)
	Complete(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.CompletionResult, error)
	Terminate(ctx context.Context, actor model.Actor, sessionID uuid.UUID, reason string) (*model.CompletionResult, error)
	SubmitAnswer(ctx context.Context, actor model.Actor, sessionID uuid.UUID, req model.SubmitAnswerRequest) (*model.SubmitAnswerResult, error)
	SubmitBatch(ctx context.Context, actor model.Actor, sessionID uuid.UUID, req model.SubmitBatchRequest) (*model.ReconcileResult, error)
	GetProgress(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.SessionProgress, error)
	SecurityReport(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*service.SecurityReport, error)
	GradeResponse(ctx context.Context, actor model.Actor, sessionID, questionID uuid.UUID, req model.GradeResponseRequest) (*model.ScoreResult, error)
}

// SessionHandler serves the exam session REST endpoints.
type SessionHandler struct {
	sessions SessionEngine
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionEngine, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/sessions
// Starts a session for the exam, or returns the caller's open one.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	examID, err := uuid.Parse(req.ExamID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sess, err := h.sessions.StartOrResume(c.Request.Context(), middleware.GetActor(c), examID, req.BrowserInfo)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}

	sess, err := h.sessions.GetSession(c.Request.Context(), middleware.GetActor(c), sessionID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// UpdateSession godoc
// PATCH /api/v1/sessions/:session_id
// Applies one lifecycle action: pause, resume, complete or terminate.
func (h *SessionHandler) UpdateSession(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}
	var req model.UpdateSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ctx := c.Request.Context()
	actor := middleware.GetActor(c)

	switch req.Action {
	case "pause":
		sess, err := h.sessions.Pause(ctx, actor, sessionID)
		h.respondSession(c, sess, err)
	case "resume":
		sess, err := h.sessions.Resume(ctx, actor, sessionID)
		h.respondSession(c, sess, err)
	case "complete":
		res, err := h.sessions.Complete(ctx, actor, sessionID)
		h.respondCompletion(c, res, err)
	case "terminate":
		res, err := h.sessions.Terminate(ctx, actor, sessionID, req.Reason)
		h.respondCompletion(c, res, err)
	}
}

// SubmitAnswer godoc
// POST /api/v1/sessions/:session_id/answers
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}
	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.SubmitAnswer(c.Request.Context(), middleware.GetActor(c), sessionID, req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// SubmitBatch godoc
// POST /api/v1/sessions/:session_id/answers/batch
// Reconciles a bulk autosave. Partial failures answer 207 with the result.
func (h *SessionHandler) SubmitBatch(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}
	var req model.SubmitBatchRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.SubmitBatch(c.Request.Context(), middleware.GetActor(c), sessionID, req)
	if errors.Is(err, service.ErrReconciliationPartial) && res != nil {
		response.Partial(c, res, response.ErrReconciliationPartial)
		return
	}
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetProgress godoc
// GET /api/v1/sessions/:session_id/progress
func (h *SessionHandler) GetProgress(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}

	progress, err := h.sessions.GetProgress(c.Request.Context(), middleware.GetActor(c), sessionID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, progress)
}

// GetSecurityReport godoc
// GET /api/v1/sessions/:session_id/security
func (h *SessionHandler) GetSecurityReport(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}

	report, err := h.sessions.SecurityReport(c.Request.Context(), middleware.GetActor(c), sessionID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}

// GradeResponse godoc
// PUT /api/v1/sessions/:session_id/responses/:question_id/grade
func (h *SessionHandler) GradeResponse(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}
	questionID, ok := paramUUID(c, "question_id")
	if !ok {
		return
	}
	var req model.GradeResponseRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	score, err := h.sessions.GradeResponse(c.Request.Context(), middleware.GetActor(c), sessionID, questionID, req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, score)
}

func (h *SessionHandler) respondSession(c *gin.Context, sess *model.ExamSession, err error) {
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// respondCompletion answers 207 when some answers still await reconciliation.
// The session itself is final either way.
func (h *SessionHandler) respondCompletion(c *gin.Context, res *model.CompletionResult, err error) {
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if res.Reconciliation != nil && !res.Reconciliation.Success {
		response.Partial(c, res, response.ErrReconciliationPartial)
		return
	}
	response.Success(c, http.StatusOK, res)
}
