package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// VerificationRepository stores identity verification attempts.
type VerificationRepository struct {
	pool *pgxpool.Pool
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(pool *pgxpool.Pool) *VerificationRepository {
	return &VerificationRepository{pool: pool}
}

// CreateAttempt inserts an attempt and fills in its creation time.
func (r *VerificationRepository) CreateAttempt(ctx context.Context, a *model.VerificationAttempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO verification_attempts
			(id, user_id, success, similarity, confidence, image_digest, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 RETURNING created_at`,
		a.ID, a.UserID, a.Success, a.Similarity, a.Confidence, a.ImageDigest, a.FailureReason,
	).Scan(&a.CreatedAt)
}

// LatestSuccessful returns the user's most recent successful attempt.
// Returns pgx.ErrNoRows when the user never passed.
func (r *VerificationRepository) LatestSuccessful(ctx context.Context, userID int) (*model.VerificationAttempt, error) {
	a := &model.VerificationAttempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, success, similarity, confidence, image_digest,
		        COALESCE(failure_reason, ''), created_at
		 FROM verification_attempts
		 WHERE user_id = $1 AND success
		 ORDER BY created_at DESC
		 LIMIT 1`, userID,
	).Scan(&a.ID, &a.UserID, &a.Success, &a.Similarity, &a.Confidence, &a.ImageDigest, &a.FailureReason, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}
