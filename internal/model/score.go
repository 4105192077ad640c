package model

import "github.com/google/uuid"

// ScoringResult is the evaluation of one question.
// IsCorrect is nil when the answer needs manual grading.
type ScoringResult struct {
	QuestionID   uuid.UUID `json:"question_id"`
	IsCorrect    *bool     `json:"is_correct"`
	PointsEarned float64   `json:"points_earned"`
	MaxPoints    float64   `json:"max_points"`
	Feedback     string    `json:"feedback,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// NeedsManualGrading reports whether an examiner has to grade this result.
func (r ScoringResult) NeedsManualGrading() bool {
	return r.IsCorrect == nil
}

// ScoreResult is the aggregate score of a session.
type ScoreResult struct {
	TotalScore            float64         `json:"total_score"`
	MaxPossibleScore      float64         `json:"max_possible_score"`
	Percentage            float64         `json:"percentage"`
	CorrectAnswers        int             `json:"correct_answers"`
	TotalQuestions        int             `json:"total_questions"`
	Results               []ScoringResult `json:"results"`
	RequiresManualGrading bool            `json:"requires_manual_grading"`
	ManualGradingCount    int             `json:"manual_grading_count"`
}
