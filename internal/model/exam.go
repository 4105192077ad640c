package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "draft"
	ExamStatusPublished ExamStatus = "published"
	ExamStatusActive    ExamStatus = "active"
	ExamStatusArchived  ExamStatus = "archived"
)

// Exam is the read-only view of an exam owned by the authoring subsystem.
type Exam struct {
	ID                   uuid.UUID  `json:"id"`
	Title                string     `json:"title"`
	Status               ExamStatus `json:"status"`
	DurationMinutes      int        `json:"duration_minutes"`
	RequiresVerification bool       `json:"requires_verification"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsAvailable reports whether students may start sessions for the exam.
func (e *Exam) IsAvailable() bool {
	return e.Status == ExamStatusPublished || e.Status == ExamStatusActive
}

// TimeLimit returns the exam duration, zero meaning unlimited.
func (e *Exam) TimeLimit() time.Duration {
	if e.DurationMinutes <= 0 {
		return 0
	}
	return time.Duration(e.DurationMinutes) * time.Minute
}
