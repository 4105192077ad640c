package model

import (
	"time"

	"github.com/google/uuid"
)

// SecurityEventType classifies a security event.
type SecurityEventType string

const (
	EventSuspiciousActivity SecurityEventType = "suspicious_activity"
	EventRateLimitExceeded  SecurityEventType = "rate_limit_exceeded"
	EventVerificationFailed SecurityEventType = "verification_failed"
	EventSessionInvalid     SecurityEventType = "session_validation_failed"
	EventSessionTerminated  SecurityEventType = "session_terminated"
	EventSessionAutoSubmit  SecurityEventType = "session_auto_submitted"
)

// Severity ranks a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        uuid.UUID         `json:"id"`
	Type      SecurityEventType `json:"type"`
	SessionID *uuid.UUID        `json:"session_id,omitempty"`
	ExamID    *uuid.UUID        `json:"exam_id,omitempty"`
	UserID    int               `json:"user_id"`
	Severity  Severity          `json:"severity"`
	Details   map[string]any    `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// VerificationAttempt records one identity check. The live image itself is never stored.
type VerificationAttempt struct {
	ID            uuid.UUID `json:"id"`
	UserID        int       `json:"user_id"`
	Success       bool      `json:"success"`
	Similarity    float64   `json:"similarity"`
	Confidence    float64   `json:"confidence"`
	ImageDigest   string    `json:"image_digest"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Access check reasons.
const (
	AccessReasonVerified    = "verified"
	AccessReasonNotVerified = "not_verified"
	AccessReasonExpired     = "expired"
	AccessReasonRoleExempt  = "role_exempt"
)

// AccessCheck is the verification gate's verdict for a user.
type AccessCheck struct {
	CanAccess            bool       `json:"can_access"`
	Reason               string     `json:"reason"`
	RequiresVerification bool       `json:"requires_verification"`
	VerificationTime     *time.Time `json:"verification_time,omitempty"`
}

// VerificationResult is returned to the client after an identity check.
type VerificationResult struct {
	Success    bool    `json:"success"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

// VerifyIdentityRequest carries a base64-encoded live capture, optionally as a data URL.
type VerifyIdentityRequest struct {
	LiveImage string `json:"live_image" binding:"required"`
}
