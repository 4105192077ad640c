package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Question is a single exam question. CorrectAnswer is never serialized to clients.
type Question struct {
	ID            uuid.UUID       `json:"id"`
	ExamID        uuid.UUID       `json:"exam_id"`
	QuestionType  QuestionType    `json:"question_type"`
	Options       json.RawMessage `json:"options,omitempty"`
	CorrectAnswer json.RawMessage `json:"-"`
	Points        float64         `json:"points"`
	Required      bool            `json:"required"`
	OrderNum      int             `json:"order_num"`
}

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeEssay          QuestionType = "essay"
	QuestionTypeFillBlank      QuestionType = "fill_blank"
	QuestionTypeMatching       QuestionType = "matching"
)

// DefaultQuestionPoints is awarded when a question declares no positive weight.
const DefaultQuestionPoints = 1.0

// MaxPoints returns the question weight.
func (q *Question) MaxPoints() float64 {
	if q.Points <= 0 {
		return DefaultQuestionPoints
	}
	return q.Points
}
