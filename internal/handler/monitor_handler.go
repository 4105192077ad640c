package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotTimeout   = 5 * time.Second
	snapshotScan      = 500
	snapshotLimit     = 100
)

// ExamLookup reads exam definitions.
type ExamLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// EventFeed reads the retained security event log.
type EventFeed interface {
	RecentEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

// RosterReader lists an exam's open sessions.
type RosterReader interface {
	Roster(ctx context.Context, examID uuid.UUID) ([]model.RosterEntry, error)
}

// MonitorHandler serves the proctor views of a running exam: the session
// roster and the live security event feed over SSE.
type MonitorHandler struct {
	rdb    *redis.Client
	exams  ExamLookup
	events EventFeed
	roster RosterReader
	log    zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, exams ExamLookup, events EventFeed, roster RosterReader, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:    rdb,
		exams:  exams,
		events: events,
		roster: roster,
		log:    log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorSnapshot struct {
	Exam       *model.Exam                     `json:"exam"`
	Sessions   []model.RosterEntry             `json:"sessions"`
	BySeverity map[model.Severity]int          `json:"by_severity"`
	ByType     map[model.SecurityEventType]int `json:"by_type"`
	Events     []model.SecurityEvent           `json:"events"`
}

// GetRoster godoc
// GET /api/v1/exams/:exam_id/roster
func (h *MonitorHandler) GetRoster(c *gin.Context) {
	examID, ok := paramUUID(c, "exam_id")
	if !ok {
		return
	}
	if _, ok := h.loadExam(c, examID); !ok {
		return
	}

	entries, err := h.roster.Roster(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, entries)
}

func (h *MonitorHandler) loadExam(c *gin.Context, examID uuid.UUID) (*model.Exam, bool) {
	exam, err := h.exams.GetByID(c.Request.Context(), examID)
	if errors.Is(err, pgx.ErrNoRows) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Failed to load exam")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return nil, false
	}
	return exam, true
}

// MonitorExamSSE godoc
// GET /api/v1/exams/:exam_id/monitor
// Sends a snapshot of recent events, then every new event as it is recorded.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := paramUUID(c, "exam_id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	exam, ok := h.loadExam(c, examID)
	if !ok {
		return
	}

	// Subscribe before the snapshot so nothing recorded in between is lost.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamSecurityChannel(examID.String()))
	defer pubsub.Close()
	if _, err := pubsub.Receive(reqCtx); err != nil {
		h.log.Error().Err(err).Msg("Security channel subscribe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		return
	}
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent("snapshot", h.snapshot(reqCtx, exam))
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to security feed")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor detached from security feed")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// The payload is already the event JSON.
			c.Writer.Write([]byte("event: security\ndata: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// snapshot gathers the roster and the exam's most recent retained events.
// Failing sources leave their part empty; the live feed still works.
func (h *MonitorHandler) snapshot(parent context.Context, exam *model.Exam) monitorSnapshot {
	ctx, cancel := context.WithTimeout(parent, snapshotTimeout)
	defer cancel()

	snap := monitorSnapshot{
		Exam:       exam,
		BySeverity: map[model.Severity]int{},
		ByType:     map[model.SecurityEventType]int{},
		Sessions:   []model.RosterEntry{},
		Events:     []model.SecurityEvent{},
	}

	if entries, err := h.roster.Roster(ctx, exam.ID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to build exam roster")
	} else {
		snap.Sessions = entries
	}

	recent, err := h.events.RecentEvents(ctx, snapshotScan)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read recent security events")
		return snap
	}
	for _, ev := range recent {
		if ev.ExamID == nil || *ev.ExamID != exam.ID {
			continue
		}
		snap.BySeverity[ev.Severity]++
		snap.ByType[ev.Type]++
		if len(snap.Events) < snapshotLimit {
			snap.Events = append(snap.Events, ev)
		}
	}
	return snap
}
