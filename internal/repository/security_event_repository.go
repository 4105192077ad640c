package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var securityEventColumns = []string{
	"id", "event_type", "session_id", "exam_id", "user_id", "severity", "details", "created_at",
}

// SecurityEventRepository is the durable archive of security events.
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository.
func NewSecurityEventRepository(pool *pgxpool.Pool) *SecurityEventRepository {
	return &SecurityEventRepository{pool: pool}
}

func securityEventRow(e model.SecurityEvent) ([]any, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, err
	}
	return []any{e.ID, string(e.Type), e.SessionID, e.ExamID, e.UserID, string(e.Severity), details, e.CreatedAt}, nil
}

// CopyBatch bulk-loads events with the COPY protocol.
func (r *SecurityEventRepository) CopyBatch(ctx context.Context, events []model.SecurityEvent) (int64, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		row, err := securityEventRow(e)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}

	return r.pool.CopyFrom(ctx,
		pgx.Identifier{"security_events"},
		securityEventColumns,
		pgx.CopyFromRows(rows),
	)
}

// Insert writes one event, ignoring an ID that was already archived.
func (r *SecurityEventRepository) Insert(ctx context.Context, e model.SecurityEvent) error {
	row, err := securityEventRow(e)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO security_events (id, event_type, session_id, exam_id, user_id, severity, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`, row...)
	return err
}

// DeleteOlderThan prunes archived events past the retention cutoff.
func (r *SecurityEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
