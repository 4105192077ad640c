// Package security rate-limits mutating operations, scores answer timing
// and whole-session patterns, and keeps an append-only security event log.
package security

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Subject identifies who an action is attributed to. Zero IDs are allowed.
type Subject struct {
	UserID    int
	SessionID uuid.UUID
	ExamID    uuid.UUID
}

func (s Subject) identifier() string {
	return fmt.Sprintf("user:%d", s.UserID)
}

// Event builds a security event attributed to the subject.
func (s Subject) Event(t model.SecurityEventType, sev model.Severity, details map[string]any) model.SecurityEvent {
	ev := model.SecurityEvent{Type: t, UserID: s.UserID, Severity: sev, Details: details}
	if s.SessionID != uuid.Nil {
		id := s.SessionID
		ev.SessionID = &id
	}
	if s.ExamID != uuid.Nil {
		id := s.ExamID
		ev.ExamID = &id
	}
	return ev
}

// Monitor is consulted on every mutating session operation.
type Monitor struct {
	limiter   *RateLimiter
	detector  *AnomalyDetector
	validator *SessionValidator
	events    *EventLog
	log       zerolog.Logger
}

func NewMonitor(limiter *RateLimiter, detector *AnomalyDetector, validator *SessionValidator, events *EventLog, log zerolog.Logger) *Monitor {
	return &Monitor{
		limiter:   limiter,
		detector:  detector,
		validator: validator,
		events:    events,
		log:       log.With().Str("component", "security_monitor").Logger(),
	}
}

// Allow applies the action's rate limit to the subject. The hit that trips
// a block is recorded as a security event.
func (m *Monitor) Allow(ctx context.Context, action Action, subj Subject) (Decision, error) {
	d, err := m.limiter.Allow(ctx, action, subj.identifier())
	if err != nil {
		return d, err
	}
	if d.Tripped {
		m.record(ctx, subj.Event(model.EventRateLimitExceeded, model.SeverityMedium, map[string]any{
			"action":        string(action),
			"limit":         d.Limit,
			"blocked_until": d.ResetAt,
		}))
	}
	return d, nil
}

// Inspect runs anomaly detection on one submission. Suspicious submissions
// are logged; nothing is ever rejected here.
func (m *Monitor) Inspect(ctx context.Context, sub Submission) AnomalyReport {
	report := m.detector.Analyze(sub)
	if report.Suspicious {
		subj := Subject{UserID: sub.UserID, SessionID: sub.SessionID, ExamID: sub.ExamID}
		m.record(ctx, subj.Event(model.EventSuspiciousActivity, model.SeverityMedium, map[string]any{
			"question_id": sub.QuestionID.String(),
			"risk_score":  report.RiskScore,
			"flags":       report.Flags,
		}))
	}
	return report
}

// Validate scores a whole session and logs invalid ones.
func (m *Monitor) Validate(ctx context.Context, snap SessionSnapshot) Validation {
	v := m.validator.Validate(snap)
	if !v.Valid {
		subj := Subject{UserID: snap.UserID, SessionID: snap.SessionID, ExamID: snap.ExamID}
		m.record(ctx, subj.Event(model.EventSessionInvalid, model.SeverityHigh, map[string]any{
			"risk_score": v.RiskScore,
			"issues":     v.Issues,
		}))
	}
	return v
}

// Record appends an event to the log.
func (m *Monitor) Record(ctx context.Context, ev model.SecurityEvent) error {
	_, err := m.events.Record(ctx, ev)
	return err
}

func (m *Monitor) SessionRisk(ctx context.Context, sessionID uuid.UUID) (RiskMetrics, error) {
	return m.events.SessionMetrics(ctx, sessionID)
}

func (m *Monitor) SessionEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.SecurityEvent, error) {
	return m.events.SessionEvents(ctx, sessionID, limit)
}

// RecentEvents returns the newest events across all sessions, newest first.
func (m *Monitor) RecentEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	return m.events.Recent(ctx, limit)
}

func (m *Monitor) record(ctx context.Context, ev model.SecurityEvent) {
	if err := m.Record(ctx, ev); err != nil {
		m.log.Error().Err(err).
			Str("type", string(ev.Type)).
			Int("user_id", ev.UserID).
			Msg("Failed to record security event")
	}
}
