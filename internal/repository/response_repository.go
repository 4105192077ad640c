package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const responseColumns = `id, session_id, question_id, user_id, response, is_correct,
	points_earned, answered_at, created_at, updated_at`

// ResponseRepository handles the durable record of answers.
type ResponseRepository struct {
	pool *pgxpool.Pool
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

func collectResponses(rows pgx.Rows) ([]model.QuestionResponse, error) {
	defer rows.Close()

	var out []model.QuestionResponse
	for rows.Next() {
		var r model.QuestionResponse
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.QuestionID, &r.UserID, &r.Response, &r.IsCorrect,
			&r.PointsEarned, &r.AnsweredAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListBySession returns every durable answer of a session.
func (r *ResponseRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.QuestionResponse, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectResponses(rows)
}

// ListByQuestions returns the durable answers of a session for the given questions.
func (r *ResponseRepository) ListByQuestions(ctx context.Context, sessionID uuid.UUID, questionIDs []uuid.UUID) ([]model.QuestionResponse, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+responseColumns+`
		 FROM responses
		 WHERE session_id = $1 AND question_id = ANY($2::uuid[])`, sessionID, questionIDs)
	if err != nil {
		return nil, err
	}
	return collectResponses(rows)
}

// BulkInsert writes new answers in a single statement. Rows that collide
// with an existing (session, question) pair are skipped; the returned count
// is the number actually inserted.
func (r *ResponseRepository) BulkInsert(ctx context.Context, rows []model.QuestionResponse) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n := len(rows)
	ids := make([]uuid.UUID, 0, n)
	sessions := make([]uuid.UUID, 0, n)
	questions := make([]uuid.UUID, 0, n)
	users := make([]int, 0, n)
	responses := make([]string, 0, n)
	corrects := make([]*bool, 0, n)
	points := make([]float64, 0, n)
	answeredAts := make([]time.Time, 0, n)

	for _, row := range rows {
		ids = append(ids, row.ID)
		sessions = append(sessions, row.SessionID)
		questions = append(questions, row.QuestionID)
		users = append(users, row.UserID)
		responses = append(responses, string(row.Response))
		corrects = append(corrects, row.IsCorrect)
		points = append(points, row.PointsEarned)
		answeredAts = append(answeredAts, row.AnsweredAt)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO responses
			(id, session_id, question_id, user_id, response, is_correct, points_earned, answered_at)
		SELECT u.id, u.session_id, u.question_id, u.user_id, u.response::jsonb,
		       u.is_correct, u.points_earned, u.answered_at
		FROM UNNEST(
			$1::uuid[],
			$2::uuid[],
			$3::uuid[],
			$4::int[],
			$5::text[],
			$6::bool[],
			$7::float8[],
			$8::timestamptz[]
		) AS u (id, session_id, question_id, user_id, response, is_correct, points_earned, answered_at)
		ON CONFLICT (session_id, question_id) DO NOTHING`,
		ids, sessions, questions, users, responses, corrects, points, answeredAts,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Insert writes one new answer. Reports false when the pair already exists.
func (r *ResponseRepository) Insert(ctx context.Context, row *model.QuestionResponse) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO responses
			(id, session_id, question_id, user_id, response, is_correct, points_earned, answered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, question_id) DO NOTHING`,
		row.ID, row.SessionID, row.QuestionID, row.UserID, row.Response,
		row.IsCorrect, row.PointsEarned, row.AnsweredAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Update replaces an existing answer, unless the stored one is newer.
// Reports whether the row changed.
func (r *ResponseRepository) Update(ctx context.Context, row *model.QuestionResponse) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE responses
		 SET response = $1, is_correct = $2, points_earned = $3, answered_at = $4, updated_at = NOW()
		 WHERE session_id = $5 AND question_id = $6 AND answered_at < $4`,
		row.Response, row.IsCorrect, row.PointsEarned, row.AnsweredAt, row.SessionID, row.QuestionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateGrade stores an examiner's manual grade.
func (r *ResponseRepository) UpdateGrade(ctx context.Context, sessionID, questionID uuid.UUID, isCorrect *bool, points float64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE responses SET is_correct = $1, points_earned = $2, updated_at = NOW()
		 WHERE session_id = $3 AND question_id = $4`,
		isCorrect, points, sessionID, questionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
