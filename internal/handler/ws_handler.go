package handler

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a student's answers over a WebSocket.
type WSHandler struct {
	sessions SessionEngine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions SessionEngine, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id/stream
// Upgrades to WebSocket for answer capture, progress and submission.
func (h *WSHandler) SessionStream(c *gin.Context) {
	sessionID, ok := paramUUID(c, "session_id")
	if !ok {
		return
	}
	actor := middleware.GetActor(c)

	// Check ownership and state before upgrading so failures are plain HTTP.
	sess, err := h.sessions.GetSession(c.Request.Context(), actor, sessionID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if sess.UserID != actor.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrNotSessionUser)
		return
	}
	switch sess.Status {
	case model.SessionStatusCompleted:
		response.Fail(c, http.StatusConflict, response.ErrExamAlreadyCompleted)
		return
	case model.SessionStatusTerminated:
		response.Fail(c, http.StatusConflict, response.ErrSessionTerminated)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(ws.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	})

	s := &stream{
		conn:      conn,
		sessions:  h.sessions,
		actor:     actor,
		sessionID: sessionID,
		log: h.log.With().
			Int("user_id", actor.UserID).
			Str("session_id", sessionID.String()).
			Logger(),
	}
	s.log.Info().Msg("Student connected")
	s.serve(c.Request.Context())
}

// stream is one connected session. All writes happen on the read goroutine.
type stream struct {
	conn      *websocket.Conn
	sessions  SessionEngine
	actor     model.Actor
	sessionID uuid.UUID
	log       zerolog.Logger
}

func (s *stream) serve(ctx context.Context) {
	for {
		raw, err := ws.ReadMessage(s.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.writeCode(env.ID, response.ErrInvalidPayload, "")
			continue
		}

		var done bool
		switch env.Action {
		case ws.ActionAnswer:
			done = s.handleAnswer(ctx, env.ID, raw)
		case ws.ActionProgress:
			done = s.handleProgress(ctx, env.ID)
		case ws.ActionSubmit:
			done = s.handleSubmit(ctx, env.ID)
		case ws.ActionPing:
			_ = ws.Write(s.conn, ws.EventPong, env.ID, nil)
		default:
			s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			s.writeCode(env.ID, response.ErrInvalidPayload, "unknown action: "+string(env.Action))
		}
		if done {
			ws.CloseWith(s.conn, websocket.CloseNormalClosure, "session closed")
			return
		}
	}
}

func (s *stream) handleAnswer(ctx context.Context, id string, raw []byte) bool {
	var msg ws.AnswerRequest
	if fields := validator.Decode(raw, &msg); fields != nil {
		s.writeCode(id, response.ErrValidation, joinFields(fields))
		return false
	}

	res, err := s.sessions.SubmitAnswer(ctx, s.actor, s.sessionID, model.SubmitAnswerRequest{
		QuestionID:       msg.QuestionID,
		Response:         msg.Response,
		ClientTimestamp:  msg.ClientTimestamp,
		ResponseTimeMs:   msg.ResponseTimeMs,
		TimeOnQuestionMs: msg.TimeOnQuestionMs,
	})
	if err != nil {
		return s.writeErr(id, err)
	}
	_ = ws.Write(s.conn, ws.EventAnswerSaved, id, res)
	return false
}

func (s *stream) handleProgress(ctx context.Context, id string) bool {
	progress, err := s.sessions.GetProgress(ctx, s.actor, s.sessionID)
	if err != nil {
		return s.writeErr(id, err)
	}
	_ = ws.Write(s.conn, ws.EventProgress, id, progress)
	return progress.Status.IsFinal()
}

func (s *stream) handleSubmit(ctx context.Context, id string) bool {
	res, err := s.sessions.Complete(ctx, s.actor, s.sessionID)
	if err != nil {
		return s.writeErr(id, err)
	}
	s.log.Info().Msg("Exam submitted")
	_ = ws.Write(s.conn, ws.EventCompleted, id, res)
	return true
}

// writeErr reports err to the client and reports whether the session can no
// longer accept work, in which case the stream ends.
func (s *stream) writeErr(id string, err error) bool {
	e := classify(err)
	if e.status >= http.StatusInternalServerError && e.status != http.StatusServiceUnavailable {
		s.log.Error().Err(err).Msg("Stream action failed")
	}
	_ = ws.WriteError(s.conn, ws.ErrorResponse{
		ID:         id,
		Code:       string(e.code),
		Error:      response.GetMessage(e.code),
		RetryAfter: e.retryAfter,
	})
	return errors.Is(err, service.ErrSessionExpired) ||
		errors.Is(err, service.ErrSessionTerminated) ||
		errors.Is(err, service.ErrAlreadyCompleted)
}

func (s *stream) writeCode(id string, code response.ErrCode, detail string) {
	msg := response.GetMessage(code)
	if detail != "" {
		msg = detail
	}
	_ = ws.WriteError(s.conn, ws.ErrorResponse{ID: id, Code: string(code), Error: msg})
}

func joinFields(fields map[string]string) string {
	return strings.Join(slices.Sorted(maps.Values(fields)), "; ")
}
