package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

var student = model.Actor{UserID: 7, Role: model.RoleStudent}

// fakeEngine answers every call from its fields and records what it was asked.
type fakeEngine struct {
	session    *model.ExamSession
	completion *model.CompletionResult
	answer     *model.SubmitAnswerResult
	batch      *model.ReconcileResult
	progress   *model.SessionProgress
	err        error
	answerErr  error

	lastAnswer model.SubmitAnswerRequest
	lastReason string
	calls      []string
}

func (f *fakeEngine) StartOrResume(_ context.Context, _ model.Actor, _ uuid.UUID, _ json.RawMessage) (*model.ExamSession, error) {
	f.calls = append(f.calls, "start")
	return f.session, f.err
}

func (f *fakeEngine) GetSession(_ context.Context, _ model.Actor, _ uuid.UUID) (*model.ExamSession, error) {
	f.calls = append(f.calls, "get")
	return f.session, f.err
}

func (f *fakeEngine) Pause(_ context.Context, _ model.Actor, _ uuid.UUID) (*model.ExamSession, error) {
	f.calls = append(f.calls, "pause")
	return f.session, f.err
}

func (f *fakeEngine) Resume(_ context.Context, _ model.Actor, _ uuid.UUID) (*model.ExamSession, error) {
	f.calls = append(f.calls, "resume")
	return f.session, f.err
}

func (f *fakeEngine) Complete(_ context.Context, _ model.Actor, _ uuid.UUID) (*model.CompletionResult, error) {
	f.calls = append(f.calls, "complete")
	return f.completion, f.err
}

func (f *fakeEngine) Terminate(_ context.Context, _ model.Actor, _ uuid.UUID, reason string) (*model.CompletionResult, error) {
	f.calls = append(f.calls, "terminate")
	f.lastReason = reason
	return f.completion, f.err
}

func (f *fakeEngine) SubmitAnswer(_ context.Context, _ model.Actor, _ uuid.UUID, req model.SubmitAnswerRequest) (*model.SubmitAnswerResult, error) {
	f.calls = append(f.calls, "answer")
	f.lastAnswer = req
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return f.answer, f.err
}

func (f *fakeEngine) SubmitBatch(_ context.Context, _ model.Actor, _ uuid.UUID, _ model.SubmitBatchRequest) (*model.ReconcileResult, error) {
	f.calls = append(f.calls, "batch")
	return f.batch, f.err
}

func (f *fakeEngine) GetProgress(_ context.Context, _ model.Actor, _ uuid.UUID) (*model.SessionProgress, error) {
	f.calls = append(f.calls, "progress")
	return f.progress, f.err
}

func (f *fakeEngine) SecurityReport(_ context.Context, _ model.Actor, sessionID uuid.UUID) (*service.SecurityReport, error) {
	f.calls = append(f.calls, "security")
	if f.err != nil {
		return nil, f.err
	}
	return &service.SecurityReport{SessionID: sessionID, Events: []model.SecurityEvent{}}, nil
}

func (f *fakeEngine) GradeResponse(_ context.Context, _ model.Actor, _, _ uuid.UUID, _ model.GradeResponseRequest) (*model.ScoreResult, error) {
	f.calls = append(f.calls, "grade")
	if f.err != nil {
		return nil, f.err
	}
	return &model.ScoreResult{}, nil
}

// withActor stands in for RequireJWT.
func withActor(actor model.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{UserID: actor.UserID, Role: actor.Role})
		c.Next()
	}
}

func sessionRouter(engine *fakeEngine) *gin.Engine {
	h := NewSessionHandler(engine, zerolog.Nop())
	r := gin.New()
	g := r.Group("/api/v1/sessions", withActor(student))
	g.POST("", h.StartSession)
	g.GET("/:session_id", h.GetSession)
	g.PATCH("/:session_id", h.UpdateSession)
	g.POST("/:session_id/answers", h.SubmitAnswer)
	g.POST("/:session_id/answers/batch", h.SubmitBatch)
	g.GET("/:session_id/progress", h.GetProgress)
	g.GET("/:session_id/security", h.GetSecurityReport)
	g.PUT("/:session_id/responses/:question_id/grade", h.GradeResponse)
	return r
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var buf *bytes.Buffer
	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{fmt.Errorf("%w: question_id", service.ErrValidation), http.StatusBadRequest, response.ErrValidation},
		{service.ErrNotFound, http.StatusNotFound, response.ErrNotFound},
		{service.ErrAccessDenied, http.StatusForbidden, response.ErrForbidden},
		{service.ErrVerificationRequired, http.StatusForbidden, response.ErrVerificationRequired},
		{service.ErrVerificationExpired, http.StatusForbidden, response.ErrVerificationExpired},
		{service.ErrAlreadyCompleted, http.StatusConflict, response.ErrExamAlreadyCompleted},
		{service.ErrInvalidTransition, http.StatusConflict, response.ErrInvalidTransition},
		{service.ErrSessionTerminated, http.StatusConflict, response.ErrSessionTerminated},
		{service.ErrSessionExpired, http.StatusGone, response.ErrSessionExpired},
		{fmt.Errorf("%w: redis", service.ErrDependencyUnavailable), http.StatusServiceUnavailable, response.ErrServiceUnavailable},
		{&service.RateLimitError{Action: security.ActionAnswerSubmit}, http.StatusTooManyRequests, response.ErrRateLimitExceeded},
		{fmt.Errorf("boom"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			e := classify(tt.err)
			assert.Equal(t, tt.status, e.status)
			assert.Equal(t, tt.code, e.code)
		})
	}
}

func TestStartSession(t *testing.T) {
	sessionID := uuid.New()
	engine := &fakeEngine{session: &model.ExamSession{ID: sessionID, Status: model.SessionStatusActive}}
	r := sessionRouter(engine)

	t.Run("rejects a malformed exam id", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/sessions", `{"exam_id":"abc"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode(t, w)
		assert.Equal(t, response.ErrValidation, body.Error.Code)
		assert.Contains(t, body.Error.Fields, "exam_id")
	})

	t.Run("starts", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/sessions", fmt.Sprintf(`{"exam_id":%q}`, uuid.NewString()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), sessionID.String())
	})

	t.Run("verification gate", func(t *testing.T) {
		engine.err = service.ErrVerificationRequired
		defer func() { engine.err = nil }()

		w := do(r, http.MethodPost, "/api/v1/sessions", fmt.Sprintf(`{"exam_id":%q}`, uuid.NewString()))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, response.ErrVerificationRequired, decode(t, w).Error.Code)
	})
}

func TestUpdateSession(t *testing.T) {
	target := "/api/v1/sessions/" + uuid.NewString()

	t.Run("unknown action", func(t *testing.T) {
		engine := &fakeEngine{}
		w := do(sessionRouter(engine), http.MethodPatch, target, `{"action":"restart"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, engine.calls)
	})

	t.Run("invalid session id", func(t *testing.T) {
		w := do(sessionRouter(&fakeEngine{}), http.MethodPatch, "/api/v1/sessions/nope", `{"action":"pause"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, response.ErrInvalidID, decode(t, w).Error.Code)
	})

	t.Run("dispatches each action", func(t *testing.T) {
		for _, action := range []string{"pause", "resume", "complete", "terminate"} {
			engine := &fakeEngine{
				session:    &model.ExamSession{Status: model.SessionStatusPaused},
				completion: &model.CompletionResult{Score: &model.ScoreResult{}},
			}
			w := do(sessionRouter(engine), http.MethodPatch, target, fmt.Sprintf(`{"action":%q,"reason":"phone"}`, action))

			assert.Equal(t, http.StatusOK, w.Code, action)
			assert.Equal(t, []string{action}, engine.calls)
		}
	})

	t.Run("terminate passes the reason", func(t *testing.T) {
		engine := &fakeEngine{completion: &model.CompletionResult{}}
		do(sessionRouter(engine), http.MethodPatch, target, `{"action":"terminate","reason":"second device"}`)

		assert.Equal(t, "second device", engine.lastReason)
	})

	t.Run("completion with pending reconciliation", func(t *testing.T) {
		engine := &fakeEngine{completion: &model.CompletionResult{
			Score:          &model.ScoreResult{},
			Reconciliation: &model.ReconcileResult{Success: false, Processed: 3, Failed: 1},
		}}
		w := do(sessionRouter(engine), http.MethodPatch, target, `{"action":"complete"}`)

		assert.Equal(t, http.StatusMultiStatus, w.Code)
		body := decode(t, w)
		assert.Equal(t, response.ErrReconciliationPartial, body.Error.Code)
		assert.NotNil(t, body.Data)
	})

	t.Run("rate limited", func(t *testing.T) {
		engine := &fakeEngine{err: &service.RateLimitError{
			Action:   security.ActionSessionRequest,
			Decision: security.Decision{Blocked: true, RetryAfter: 90 * time.Second},
		}}
		w := do(sessionRouter(engine), http.MethodPatch, target, `{"action":"complete"}`)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "90", w.Header().Get("Retry-After"))
	})
}

func TestSubmitAnswer(t *testing.T) {
	target := "/api/v1/sessions/" + uuid.NewString() + "/answers"
	questionID := uuid.NewString()

	t.Run("saves", func(t *testing.T) {
		engine := &fakeEngine{answer: &model.SubmitAnswerResult{Saved: true, AnsweredCount: 4}}
		w := do(sessionRouter(engine), http.MethodPost, target,
			fmt.Sprintf(`{"question_id":%q,"response":"B","response_time_ms":1200}`, questionID))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `"B"`, string(engine.lastAnswer.Response))
		assert.Equal(t, int64(1200), engine.lastAnswer.ResponseTimeMs)
	})

	t.Run("null answer is rejected", func(t *testing.T) {
		engine := &fakeEngine{}
		w := do(sessionRouter(engine), http.MethodPost, target, fmt.Sprintf(`{"question_id":%q,"response":null}`, questionID))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, engine.calls)
	})

	t.Run("expired session", func(t *testing.T) {
		engine := &fakeEngine{err: service.ErrSessionExpired}
		w := do(sessionRouter(engine), http.MethodPost, target, fmt.Sprintf(`{"question_id":%q,"response":"A"}`, questionID))

		assert.Equal(t, http.StatusGone, w.Code)
		assert.Equal(t, response.ErrSessionExpired, decode(t, w).Error.Code)
	})

	t.Run("cache outage", func(t *testing.T) {
		engine := &fakeEngine{err: fmt.Errorf("%w: answer cache", service.ErrDependencyUnavailable)}
		w := do(sessionRouter(engine), http.MethodPost, target, fmt.Sprintf(`{"question_id":%q,"response":"A"}`, questionID))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestSubmitBatch(t *testing.T) {
	target := "/api/v1/sessions/" + uuid.NewString() + "/answers/batch"
	body := fmt.Sprintf(`{"responses":[{"question_id":%q,"response":"A"},{"question_id":%q,"response":true}]}`, uuid.NewString(), uuid.NewString())

	t.Run("all reconciled", func(t *testing.T) {
		engine := &fakeEngine{batch: &model.ReconcileResult{Success: true, Processed: 2}}
		w := do(sessionRouter(engine), http.MethodPost, target, body)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("partial failure", func(t *testing.T) {
		engine := &fakeEngine{
			batch: &model.ReconcileResult{Processed: 1, Failed: 1, Errors: []model.ReconcileError{{Error: "write failed"}}},
			err:   service.ErrReconciliationPartial,
		}
		w := do(sessionRouter(engine), http.MethodPost, target, body)

		assert.Equal(t, http.StatusMultiStatus, w.Code)
		assert.Contains(t, w.Body.String(), "write failed")
	})

	t.Run("empty batch", func(t *testing.T) {
		engine := &fakeEngine{}
		w := do(sessionRouter(engine), http.MethodPost, target, `{"responses":[]}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, engine.calls)
	})
}

func TestStaffEndpoints(t *testing.T) {
	sessionID := uuid.NewString()

	t.Run("security report", func(t *testing.T) {
		w := do(sessionRouter(&fakeEngine{}), http.MethodGet, "/api/v1/sessions/"+sessionID+"/security", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), sessionID)
	})

	t.Run("grade denied", func(t *testing.T) {
		engine := &fakeEngine{err: service.ErrAccessDenied}
		w := do(sessionRouter(engine), http.MethodPut,
			"/api/v1/sessions/"+sessionID+"/responses/"+uuid.NewString()+"/grade", `{"points":2,"is_correct":true}`)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("grade with bad question id", func(t *testing.T) {
		w := do(sessionRouter(&fakeEngine{}), http.MethodPut,
			"/api/v1/sessions/"+sessionID+"/responses/q1/grade", `{"points":2}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

type fakeGate struct {
	image []byte
	check *model.AccessCheck
	err   error
}

func (g *fakeGate) CheckAccess(context.Context, model.Actor) (*model.AccessCheck, error) {
	return g.check, g.err
}

func (g *fakeGate) VerifyIdentity(_ context.Context, _ model.Actor, liveImage []byte) (*model.VerificationResult, error) {
	g.image = liveImage
	if g.err != nil {
		return nil, g.err
	}
	return &model.VerificationResult{Success: true, Similarity: 0.93}, nil
}

func verificationRouter(gate *fakeGate, maxBytes int64) *gin.Engine {
	h := NewVerificationHandler(gate, maxBytes, zerolog.Nop())
	r := gin.New()
	r.POST("/verify", withActor(student), h.VerifyIdentity)
	r.GET("/status", withActor(student), h.GetStatus)
	return r
}

func TestVerifyIdentity(t *testing.T) {
	t.Run("plain base64", func(t *testing.T) {
		gate := &fakeGate{}
		w := do(verificationRouter(gate, 1024), http.MethodPost, "/verify", `{"live_image":"aGVsbG8="}`)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []byte("hello"), gate.image)
	})

	t.Run("data url", func(t *testing.T) {
		gate := &fakeGate{}
		w := do(verificationRouter(gate, 1024), http.MethodPost, "/verify", `{"live_image":"data:image/jpeg;base64,aGVsbG8="}`)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []byte("hello"), gate.image)
	})

	t.Run("not base64", func(t *testing.T) {
		gate := &fakeGate{}
		w := do(verificationRouter(gate, 1024), http.MethodPost, "/verify", `{"live_image":"%%%"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Nil(t, gate.image)
	})

	t.Run("body too large", func(t *testing.T) {
		gate := &fakeGate{}
		big := strings.Repeat("A", 8192)
		w := do(verificationRouter(gate, 1024), http.MethodPost, "/verify", `{"live_image":"`+big+`"}`)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, response.ErrImageTooLarge, decode(t, w).Error.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		gate := &fakeGate{err: &service.RateLimitError{
			Action:   security.ActionVerification,
			Decision: security.Decision{RetryAfter: 15 * time.Minute},
		}}
		w := do(verificationRouter(gate, 1024), http.MethodPost, "/verify", `{"live_image":"aGVsbG8="}`)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "900", w.Header().Get("Retry-After"))
	})
}

func TestVerificationStatus(t *testing.T) {
	gate := &fakeGate{check: &model.AccessCheck{CanAccess: false, Reason: model.AccessReasonExpired, RequiresVerification: true}}
	w := do(verificationRouter(gate, 1024), http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"expired"`)
}
