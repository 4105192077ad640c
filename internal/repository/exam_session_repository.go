package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, user_id, exam_id, status, started_at, completed_at,
	time_limit_seconds, time_remaining, paused_at, paused_seconds,
	verification_status, verification_time, browser_info, metadata, score,
	created_at, updated_at`

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.ExamID, &s.Status, &s.StartedAt, &s.CompletedAt,
		&s.TimeLimitSeconds, &s.TimeRemaining, &s.PausedAt, &s.PausedSeconds,
		&s.VerificationStatus, &s.VerificationTime, &s.BrowserInfo, &s.Metadata, &s.Score,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return s, nil
}

func statusStrings(statuses []model.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// GetByID retrieves a session. Returns pgx.ErrNoRows when absent.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// ListByUserAndExam returns every session of a user for an exam, newest first.
func (r *ExamSessionRepository) ListByUserAndExam(ctx context.Context, userID int, examID uuid.UUID) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2
		 ORDER BY created_at DESC`, userID, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountOpenByUser counts a user's active or paused sessions across exams.
func (r *ExamSessionRepository) CountOpenByUser(ctx context.Context, userID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE user_id = $1 AND status IN ('active', 'paused')`, userID,
	).Scan(&n)
	return n, err
}

// Create inserts a new session. The partial unique index on open sessions
// makes a concurrent duplicate start return pgx.ErrNoRows.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions
			(id, user_id, exam_id, status, time_limit_seconds, time_remaining,
			 verification_status, verification_time, browser_info, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, exam_id) WHERE status IN ('pending', 'active', 'paused') DO NOTHING
		 RETURNING created_at, updated_at`,
		s.ID, s.UserID, s.ExamID, s.Status, s.TimeLimitSeconds, s.TimeRemaining,
		s.VerificationStatus, s.VerificationTime, s.BrowserInfo, s.Metadata,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

// Update writes the mutable state of s, but only while the stored status is
// one of from. Reports whether the row was updated.
func (r *ExamSessionRepository) Update(ctx context.Context, s *model.ExamSession, from ...model.SessionStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1,
		     started_at = $2,
		     completed_at = $3,
		     time_remaining = $4,
		     paused_at = $5,
		     paused_seconds = $6,
		     verification_status = $7,
		     verification_time = $8,
		     metadata = $9,
		     score = $10,
		     updated_at = NOW()
		 WHERE id = $11 AND status = ANY($12)`,
		s.Status, s.StartedAt, s.CompletedAt, s.TimeRemaining, s.PausedAt, s.PausedSeconds,
		s.VerificationStatus, s.VerificationTime, s.Metadata, s.Score,
		s.ID, statusStrings(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SaveScore replaces the stored score of a finished session.
func (r *ExamSessionRepository) SaveScore(ctx context.Context, id uuid.UUID, score *model.ScoreResult) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET score = $1, updated_at = NOW() WHERE id = $2`, score, id)
	return err
}

// ListOverdue returns active timed sessions whose countdown has elapsed at now.
func (r *ExamSessionRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE status = 'active'
		   AND time_limit_seconds IS NOT NULL
		   AND started_at + make_interval(secs => time_limit_seconds + paused_seconds) <= $1
		 ORDER BY started_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
