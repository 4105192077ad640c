package repository

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerDraftRepository is the write-ahead copy of accepted answers. It lets
// a session be reconciled even when its cache entry was lost.
type AnswerDraftRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerDraftRepository creates a new AnswerDraftRepository.
func NewAnswerDraftRepository(pool *pgxpool.Pool) *AnswerDraftRepository {
	return &AnswerDraftRepository{pool: pool}
}

// Drafts are only written for open sessions, so a queued message that lands
// after finalization cannot resurrect drafts of a reconciled session.
const upsertDraftSQL = `
	INSERT INTO answer_drafts (session_id, question_id, user_id, response, answered_at)
	SELECT $1::uuid, $2::uuid, $3::int, $4::jsonb, $5::timestamptz
	WHERE EXISTS (
		SELECT 1 FROM exam_sessions s
		WHERE s.id = $1 AND s.status IN ('pending', 'active', 'paused')
	)
	ON CONFLICT (session_id, question_id) DO UPDATE
	SET response = EXCLUDED.response, answered_at = EXCLUDED.answered_at, updated_at = NOW()
	WHERE answer_drafts.answered_at <= EXCLUDED.answered_at`

// Upsert stores one draft, keeping whichever answer carries the later client timestamp.
func (r *AnswerDraftRepository) Upsert(ctx context.Context, p model.DraftAnswerPayload) error {
	_, err := r.pool.Exec(ctx, upsertDraftSQL,
		p.SessionID, p.QuestionID, p.UserID, string(p.Response), p.ClientTimestamp)
	return err
}

// UpsertBatch stores many drafts in one statement. Duplicate keys inside the
// batch are collapsed to the newest first, since a single INSERT cannot touch
// the same row twice.
func (r *AnswerDraftRepository) UpsertBatch(ctx context.Context, batch []model.DraftAnswerPayload) error {
	drafts := LatestDrafts(batch)
	if len(drafts) == 0 {
		return nil
	}

	n := len(drafts)
	sessions := make([]uuid.UUID, 0, n)
	questions := make([]uuid.UUID, 0, n)
	users := make([]int, 0, n)
	responses := make([]string, 0, n)
	answeredAts := make([]time.Time, 0, n)
	for _, d := range drafts {
		sessions = append(sessions, d.SessionID)
		questions = append(questions, d.QuestionID)
		users = append(users, d.UserID)
		responses = append(responses, string(d.Response))
		answeredAts = append(answeredAts, d.ClientTimestamp)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO answer_drafts (session_id, question_id, user_id, response, answered_at)
		SELECT u.session_id, u.question_id, u.user_id, u.response::jsonb, u.answered_at
		FROM UNNEST($1::uuid[], $2::uuid[], $3::int[], $4::text[], $5::timestamptz[])
			AS u (session_id, question_id, user_id, response, answered_at)
		JOIN exam_sessions s ON s.id = u.session_id
		WHERE s.status IN ('pending', 'active', 'paused')
		ON CONFLICT (session_id, question_id) DO UPDATE
		SET response = EXCLUDED.response, answered_at = EXCLUDED.answered_at, updated_at = NOW()
		WHERE answer_drafts.answered_at <= EXCLUDED.answered_at`,
		sessions, questions, users, responses, answeredAts,
	)
	return err
}

// LatestDrafts keeps the newest draft per (session, question), in a stable order.
func LatestDrafts(batch []model.DraftAnswerPayload) []model.DraftAnswerPayload {
	type key struct{ session, question uuid.UUID }

	latest := make(map[key]model.DraftAnswerPayload, len(batch))
	for _, d := range batch {
		k := key{d.SessionID, d.QuestionID}
		if cur, ok := latest[k]; ok && cur.ClientTimestamp.After(d.ClientTimestamp) {
			continue
		}
		latest[k] = d
	}

	out := make([]model.DraftAnswerPayload, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID.String() < out[j].SessionID.String()
		}
		return out[i].QuestionID.String() < out[j].QuestionID.String()
	})
	return out
}

// ListBySession returns the drafts of a session as cache-shaped answers.
func (r *AnswerDraftRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.CachedAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, response, answered_at, updated_at
		 FROM answer_drafts WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CachedAnswer
	for rows.Next() {
		var a model.CachedAnswer
		if err := rows.Scan(&a.QuestionID, &a.Response, &a.ClientTimestamp, &a.ServerTimestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteBySession removes the drafts once they are reconciled.
func (r *AnswerDraftRepository) DeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM answer_drafts WHERE session_id = $1`, sessionID)
	return err
}

// DeleteStale removes drafts of finished sessions last touched before cutoff.
// They are left behind only when a session's reconciliation gave up.
func (r *AnswerDraftRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM answer_drafts d
		USING exam_sessions s
		WHERE d.session_id = s.id
		  AND s.status IN ('completed', 'terminated')
		  AND d.updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
