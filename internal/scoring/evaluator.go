// Package scoring evaluates responses against typed answer keys and
// aggregates per-question results into a session score. Everything here is
// pure: the same inputs always give the same output.
package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrUnsupportedType = errors.New("unsupported question type")
	ErrMalformedKey    = errors.New("malformed answer key")
)

const (
	FeedbackCorrect   = "Correct"
	FeedbackIncorrect = "Incorrect"
	FeedbackPartial   = "Partially correct"
	FeedbackManual    = "Requires manual grading"
	FeedbackNoAnswer  = "No answer provided"
	FeedbackError     = "Unable to evaluate answer"
)

// Outcome is what an evaluator decides about one response.
type Outcome struct {
	IsCorrect *bool
	Points    float64
	Feedback  string
}

// Evaluator scores a response against one compiled answer key.
type Evaluator interface {
	Evaluate(response json.RawMessage, points float64) Outcome
}

// MultipleChoice awards full credit for the exact correct set. A strict
// subset of a multi-answer key earns proportional credit when the
// submission itself holds more than one choice.
type MultipleChoice struct {
	Correct map[string]struct{}
}

func (m MultipleChoice) Evaluate(response json.RawMessage, points float64) Outcome {
	selected, err := choiceSet(response)
	if err != nil || len(selected) == 0 {
		return incorrect()
	}

	if sameSet(selected, m.Correct) {
		return correct(points)
	}

	if len(selected) > 1 && len(m.Correct) > 1 && strictSubset(selected, m.Correct) {
		earned := float64(len(selected)) / float64(len(m.Correct)) * points
		return Outcome{IsCorrect: boolPtr(false), Points: earned, Feedback: FeedbackPartial}
	}

	return incorrect()
}

type TrueFalse struct {
	Correct bool
}

func (t TrueFalse) Evaluate(response json.RawMessage, points float64) Outcome {
	got, ok := parseTruth(response)
	if !ok || got != t.Correct {
		return incorrect()
	}
	return correct(points)
}

// FillBlank compares case-insensitively with whitespace collapsed.
type FillBlank struct {
	Accepted []string
}

func (f FillBlank) Evaluate(response json.RawMessage, points float64) Outcome {
	values, err := textValues(response)
	if err != nil || len(values) == 0 {
		return incorrect()
	}

	got := normalizeText(strings.Join(values, " "))

	for _, accepted := range f.Accepted {
		if got == accepted {
			return correct(points)
		}
	}
	return incorrect()
}

// Essay is never auto-graded.
type Essay struct{}

func (Essay) Evaluate(json.RawMessage, float64) Outcome {
	return Outcome{IsCorrect: nil, Points: 0, Feedback: FeedbackManual}
}

// Matching awards credit in proportion to correctly matched pairs.
type Matching struct {
	Pairs map[string]string
}

func (m Matching) Evaluate(response json.RawMessage, points float64) Outcome {
	submitted, err := pairMap(response)
	if err != nil {
		return incorrect()
	}

	matched := 0
	for left, right := range m.Pairs {
		if submitted[left] == right {
			matched++
		}
	}

	switch {
	case matched == len(m.Pairs):
		return correct(points)
	case matched == 0:
		return incorrect()
	default:
		earned := float64(matched) / float64(len(m.Pairs)) * points
		return Outcome{IsCorrect: boolPtr(false), Points: earned, Feedback: FeedbackPartial}
	}
}

// Compile decodes a question's declared type and answer key into its evaluator.
func Compile(q model.Question) (Evaluator, error) {
	switch q.QuestionType {
	case model.QuestionTypeMultipleChoice:
		set, err := choiceSet(q.CorrectAnswer)
		if err != nil || len(set) == 0 {
			return nil, malformed(q, err)
		}
		return MultipleChoice{Correct: set}, nil

	case model.QuestionTypeTrueFalse:
		v, ok := parseTruth(q.CorrectAnswer)
		if !ok {
			return nil, malformed(q, errUnreadable)
		}
		return TrueFalse{Correct: v}, nil

	case model.QuestionTypeFillBlank:
		values, err := textValues(q.CorrectAnswer)
		if err != nil || len(values) == 0 {
			return nil, malformed(q, err)
		}
		accepted := make([]string, 0, len(values))
		for _, v := range values {
			if n := normalizeText(v); n != "" {
				accepted = append(accepted, n)
			}
		}
		if len(accepted) == 0 {
			return nil, malformed(q, errUnreadable)
		}
		return FillBlank{Accepted: accepted}, nil

	case model.QuestionTypeEssay:
		return Essay{}, nil

	case model.QuestionTypeMatching:
		pairs, err := pairMap(q.CorrectAnswer)
		if err != nil || len(pairs) == 0 {
			return nil, malformed(q, err)
		}
		return Matching{Pairs: pairs}, nil
	}

	return nil, fmt.Errorf("question %s: %w: %q", q.ID, ErrUnsupportedType, q.QuestionType)
}

// Evaluate scores one response. Evaluation problems never propagate as
// errors: they are reported in the result and scored as zero.
func Evaluate(q model.Question, response json.RawMessage) model.ScoringResult {
	res := model.ScoringResult{
		QuestionID: q.ID,
		IsCorrect:  boolPtr(false),
		MaxPoints:  q.MaxPoints(),
	}

	if isBlank(response) {
		res.Feedback = FeedbackNoAnswer
		// Essays stay ungraded even when empty; the examiner awards zero.
		if q.QuestionType == model.QuestionTypeEssay {
			res.IsCorrect = nil
		}
		return res
	}

	ev, err := Compile(q)
	if err != nil {
		res.Error = err.Error()
		res.Feedback = FeedbackError
		// A broken matching key still leaves the answer gradable by hand.
		if q.QuestionType == model.QuestionTypeMatching && errors.Is(err, ErrMalformedKey) {
			res.IsCorrect = nil
			res.Feedback = FeedbackManual
		}
		return res
	}

	out := ev.Evaluate(response, res.MaxPoints)
	res.IsCorrect = out.IsCorrect
	res.PointsEarned = out.Points
	res.Feedback = out.Feedback
	return res
}

func malformed(q model.Question, cause error) error {
	if cause == nil {
		cause = errUnreadable
	}
	return fmt.Errorf("question %s: %w: %v", q.ID, ErrMalformedKey, cause)
}

func correct(points float64) Outcome {
	return Outcome{IsCorrect: boolPtr(true), Points: points, Feedback: FeedbackCorrect}
}

func incorrect() Outcome {
	return Outcome{IsCorrect: boolPtr(false), Points: 0, Feedback: FeedbackIncorrect}
}

func boolPtr(b bool) *bool { return &b }

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func strictSubset(sub, super map[string]struct{}) bool {
	if len(sub) >= len(super) {
		return false
	}
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}
