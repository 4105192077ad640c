package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/security"
)

// Session engine errors. Handlers map these onto response codes.
var (
	ErrNotFound              = errors.New("not found")
	ErrAccessDenied          = errors.New("access denied")
	ErrAlreadyCompleted      = errors.New("exam already completed")
	ErrVerificationRequired  = errors.New("identity verification required")
	ErrVerificationExpired   = errors.New("identity verification expired")
	ErrInvalidTransition     = errors.New("invalid session state transition")
	ErrSessionTerminated     = errors.New("session was terminated")
	ErrSessionExpired        = errors.New("session time has expired")
	ErrValidation            = errors.New("validation failed")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrReconciliationPartial = errors.New("reconciliation completed with failures")
)

// RateLimitError carries the limiter decision so callers can retry correctly.
type RateLimitError struct {
	Action   security.Action
	Decision security.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ss", e.Action, e.Decision.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

func unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDependencyUnavailable, what, err)
}
