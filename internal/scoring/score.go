package scoring

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrResultNotFound   = errors.New("question has no scoring result")
	ErrPointsOutOfRange = errors.New("points outside question range")
)

// Answer is a response keyed by the question it answers.
type Answer struct {
	QuestionID uuid.UUID
	Response   json.RawMessage
}

// AnswersFromResponses adapts durable responses for CalculateExamScore.
func AnswersFromResponses(rows []model.QuestionResponse) []Answer {
	out := make([]Answer, 0, len(rows))
	for _, r := range rows {
		out = append(out, Answer{QuestionID: r.QuestionID, Response: r.Response})
	}
	return out
}

// AnswersFromCache adapts cached answers for CalculateExamScore.
func AnswersFromCache(cached map[uuid.UUID]model.CachedAnswer) []Answer {
	out := make([]Answer, 0, len(cached))
	for id, a := range cached {
		out = append(out, Answer{QuestionID: id, Response: a.Response})
	}
	return out
}

// CalculateExamScore evaluates every question once, in the given order.
// Questions without an answer score zero.
func CalculateExamScore(questions []model.Question, answers []Answer) model.ScoreResult {
	byQuestion := make(map[uuid.UUID]json.RawMessage, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a.Response
	}

	score := model.ScoreResult{
		TotalQuestions: len(questions),
		Results:        make([]model.ScoringResult, 0, len(questions)),
	}
	for _, q := range questions {
		score.Results = append(score.Results, Evaluate(q, byQuestion[q.ID]))
	}

	Recalculate(&score)
	return score
}

// Recalculate rebuilds the aggregate totals from the per-question results.
func Recalculate(score *model.ScoreResult) {
	score.TotalScore = 0
	score.MaxPossibleScore = 0
	score.CorrectAnswers = 0
	score.ManualGradingCount = 0

	for _, r := range score.Results {
		score.TotalScore += r.PointsEarned
		score.MaxPossibleScore += r.MaxPoints
		switch {
		case r.NeedsManualGrading():
			score.ManualGradingCount++
		case *r.IsCorrect:
			score.CorrectAnswers++
		}
	}

	score.RequiresManualGrading = score.ManualGradingCount > 0
	score.Percentage = Percentage(score.TotalScore, score.MaxPossibleScore)
}

// ApplyManualGrade replaces one question's result with an examiner's grade
// and recomputes the totals.
func ApplyManualGrade(score *model.ScoreResult, questionID uuid.UUID, points float64, isCorrect bool) error {
	for i := range score.Results {
		r := &score.Results[i]
		if r.QuestionID != questionID {
			continue
		}
		if points < 0 || points > r.MaxPoints {
			return ErrPointsOutOfRange
		}
		r.IsCorrect = boolPtr(isCorrect)
		r.PointsEarned = points
		r.Feedback = "Graded manually"
		r.Error = ""
		Recalculate(score)
		return nil
	}
	return ErrResultNotFound
}

// Percentage returns part/whole*100 rounded to two decimals, 0 when whole is 0.
func Percentage(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(part/whole*100*100) / 100
}
