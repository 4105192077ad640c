package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventStore is the append-only backing of the event log. Stores keep a
// rolling cap and drop the oldest events first.
type EventStore interface {
	Append(ctx context.Context, ev model.SecurityEvent) error
	// ListBySession returns a session's events, newest first.
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.SecurityEvent, error)
	// Recent returns the newest events across all sessions.
	Recent(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

var severityWeight = map[model.Severity]int{
	model.SeverityLow:      5,
	model.SeverityMedium:   15,
	model.SeverityHigh:     30,
	model.SeverityCritical: 50,
}

const maxRiskScore = 100

// RiskMetrics aggregates a session's security events.
type RiskMetrics struct {
	SessionID   uuid.UUID                       `json:"session_id"`
	TotalEvents int                             `json:"total_events"`
	ByType      map[model.SecurityEventType]int `json:"by_type"`
	BySeverity  map[model.Severity]int          `json:"by_severity"`
	RiskScore   int                             `json:"risk_score"`
	LastEventAt *time.Time                      `json:"last_event_at,omitempty"`
}

// EventLog records security events.
type EventLog struct {
	store EventStore
	now   func() time.Time
}

func NewEventLog(store EventStore) *EventLog {
	return &EventLog{store: store, now: time.Now}
}

// Record stamps and appends ev, returning the stored event.
func (l *EventLog) Record(ctx context.Context, ev model.SecurityEvent) (model.SecurityEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityLow
	}
	if err := l.store.Append(ctx, ev); err != nil {
		return ev, fmt.Errorf("append security event: %w", err)
	}
	return ev, nil
}

func (l *EventLog) SessionEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.SecurityEvent, error) {
	return l.store.ListBySession(ctx, sessionID, limit)
}

func (l *EventLog) Recent(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	return l.store.Recent(ctx, limit)
}

// SessionMetrics summarizes the retained events of one session.
func (l *EventLog) SessionMetrics(ctx context.Context, sessionID uuid.UUID) (RiskMetrics, error) {
	events, err := l.store.ListBySession(ctx, sessionID, 0)
	if err != nil {
		return RiskMetrics{}, err
	}
	return summarize(sessionID, events), nil
}

func summarize(sessionID uuid.UUID, events []model.SecurityEvent) RiskMetrics {
	m := RiskMetrics{
		SessionID:  sessionID,
		ByType:     make(map[model.SecurityEventType]int),
		BySeverity: make(map[model.Severity]int),
	}
	for _, ev := range events {
		m.TotalEvents++
		m.ByType[ev.Type]++
		m.BySeverity[ev.Severity]++
		m.RiskScore += severityWeight[ev.Severity]
		if m.LastEventAt == nil || ev.CreatedAt.After(*m.LastEventAt) {
			at := ev.CreatedAt
			m.LastEventAt = &at
		}
	}
	if m.RiskScore > maxRiskScore {
		m.RiskScore = maxRiskScore
	}
	return m
}
