package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/biometric"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/security"
)

// Failure reasons stored on verification attempts.
const (
	failureReferenceMissing = "reference_not_found"
	failureEngineTimeout    = "engine_timeout"
	failureEngineError      = "engine_error"
	failureMismatch         = "face_mismatch"
)

// VerificationService is the identity verification gate. Face comparison is
// delegated to the biometric engine; the gate only records attempts and
// applies the validity window.
type VerificationService struct {
	attempts      AttemptStore
	references    biometric.ReferenceStore
	comparer      biometric.Comparer
	monitor       *security.Monitor
	window        time.Duration
	timeout       time.Duration
	maxImageBytes int64
	now           func() time.Time
	log           zerolog.Logger
}

// NewVerificationService creates a new VerificationService.
func NewVerificationService(
	attempts AttemptStore,
	references biometric.ReferenceStore,
	comparer biometric.Comparer,
	monitor *security.Monitor,
	window, timeout time.Duration,
	maxImageBytes int64,
	log zerolog.Logger,
) *VerificationService {
	return &VerificationService{
		attempts:      attempts,
		references:    references,
		comparer:      comparer,
		monitor:       monitor,
		window:        window,
		timeout:       timeout,
		maxImageBytes: maxImageBytes,
		now:           time.Now,
		log:           log.With().Str("component", "verification").Logger(),
	}
}

// CheckAccess reports whether the actor holds a verification inside the window.
func (s *VerificationService) CheckAccess(ctx context.Context, actor model.Actor) (*model.AccessCheck, error) {
	if actor.Role != model.RoleStudent {
		return &model.AccessCheck{CanAccess: true, Reason: model.AccessReasonRoleExempt}, nil
	}

	latest, err := s.attempts.LatestSuccessful(ctx, actor.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.AccessCheck{
			CanAccess:            false,
			Reason:               model.AccessReasonNotVerified,
			RequiresVerification: true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest verification: %w", err)
	}

	verifiedAt := latest.CreatedAt
	if s.now().Sub(verifiedAt) > s.window {
		return &model.AccessCheck{
			CanAccess:            false,
			Reason:               model.AccessReasonExpired,
			RequiresVerification: true,
			VerificationTime:     &verifiedAt,
		}, nil
	}

	return &model.AccessCheck{
		CanAccess:        true,
		Reason:           model.AccessReasonVerified,
		VerificationTime: &verifiedAt,
	}, nil
}

// VerifyIdentity compares a live capture against the user's reference image.
// Engine failures and timeouts count as a failed attempt; they are never retried.
func (s *VerificationService) VerifyIdentity(ctx context.Context, actor model.Actor, liveImage []byte) (*model.VerificationResult, error) {
	subj := security.Subject{UserID: actor.UserID}
	decision, err := s.monitor.Allow(ctx, security.ActionVerification, subj)
	if err != nil {
		return nil, unavailable("rate limiter", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitError{Action: security.ActionVerification, Decision: decision}
	}

	if len(liveImage) == 0 {
		return nil, fmt.Errorf("%w: live image is empty", ErrValidation)
	}
	if s.maxImageBytes > 0 && int64(len(liveImage)) > s.maxImageBytes {
		return nil, fmt.Errorf("%w: live image exceeds %d bytes", ErrValidation, s.maxImageBytes)
	}

	attempt := &model.VerificationAttempt{
		ID:          uuid.New(),
		UserID:      actor.UserID,
		ImageDigest: biometric.Digest(liveImage),
	}

	reference, err := s.references.Reference(ctx, actor.UserID)
	if errors.Is(err, biometric.ErrReferenceNotFound) {
		s.fail(ctx, subj, attempt, failureReferenceMissing)
		return &model.VerificationResult{Success: false, Message: "No reference image is enrolled for this user"}, nil
	}
	if err != nil {
		return nil, unavailable("reference image", err)
	}

	cmpCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmp, err := s.comparer.Compare(cmpCtx, reference, liveImage)
	if err != nil {
		reason := failureEngineError
		if errors.Is(cmpCtx.Err(), context.DeadlineExceeded) {
			reason = failureEngineTimeout
		}
		s.log.Warn().Err(err).Int("user_id", actor.UserID).Str("reason", reason).Msg("Biometric comparison failed")
		s.fail(ctx, subj, attempt, reason)
		return &model.VerificationResult{Success: false, Message: "Verification could not be completed, please try again"}, nil
	}

	attempt.Similarity = cmp.Similarity
	attempt.Confidence = cmp.Confidence
	if !cmp.Match {
		s.fail(ctx, subj, attempt, failureMismatch)
		return &model.VerificationResult{
			Success:    false,
			Similarity: cmp.Similarity,
			Confidence: cmp.Confidence,
			Message:    "Face does not match the reference image",
		}, nil
	}

	attempt.Success = true
	if err := s.attempts.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}

	return &model.VerificationResult{
		Success:    true,
		Similarity: cmp.Similarity,
		Confidence: cmp.Confidence,
		Message:    "Identity verified",
	}, nil
}

func (s *VerificationService) fail(ctx context.Context, subj security.Subject, attempt *model.VerificationAttempt, reason string) {
	attempt.Success = false
	attempt.FailureReason = reason
	if err := s.attempts.CreateAttempt(ctx, attempt); err != nil {
		s.log.Error().Err(err).Int("user_id", attempt.UserID).Msg("Failed to record verification attempt")
	}

	severity := model.SeverityLow
	if reason == failureMismatch {
		severity = model.SeverityMedium
	}
	if err := s.monitor.Record(ctx, subj.Event(model.EventVerificationFailed, severity, map[string]any{
		"reason":     reason,
		"similarity": attempt.Similarity,
		"digest":     attempt.ImageDigest,
	})); err != nil {
		s.log.Error().Err(err).Msg("Failed to record verification event")
	}
}
