package security

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session validation issues.
const (
	IssueMissingClientMetadata = "missing_client_metadata"
	IssueMultipleSessions      = "multiple_active_sessions"
	IssueDurationExceeded      = "duration_exceeded"
	IssueRepetitiveAnswers     = "repetitive_answers"
	IssueCyclicPattern         = "cyclic_answer_pattern"
)

const (
	weightMissingMetadata  = 20
	weightMultipleSessions = 30
	weightDuration         = 25
	weightRepetitive       = 25
	weightCyclic           = 25

	// ValidRiskCeiling is the exclusive upper bound of a valid session's risk.
	ValidRiskCeiling = 50

	repetitiveRunLength = 5
	minCyclicAnswers    = 6
	maxCyclePeriod      = 4
)

// SessionSnapshot is what the validator inspects about a session.
type SessionSnapshot struct {
	SessionID      uuid.UUID
	ExamID         uuid.UUID
	UserID         int
	BrowserInfo    json.RawMessage
	ActiveSessions int
	StartedAt      *time.Time
	Now            time.Time
	// Choices holds single-choice answers in question order.
	Choices []string
}

type Validation struct {
	Valid     bool     `json:"valid"`
	RiskScore int      `json:"risk_score"`
	Issues    []string `json:"issues"`
}

type SessionValidator struct {
	maxDuration time.Duration
}

func NewSessionValidator(maxDuration time.Duration) *SessionValidator {
	return &SessionValidator{maxDuration: maxDuration}
}

func (v *SessionValidator) Validate(snap SessionSnapshot) Validation {
	out := Validation{Issues: []string{}}

	if !hasClientMetadata(snap.BrowserInfo) {
		out.RiskScore += weightMissingMetadata
		out.Issues = append(out.Issues, IssueMissingClientMetadata)
	}

	if snap.ActiveSessions > 1 {
		out.RiskScore += weightMultipleSessions
		out.Issues = append(out.Issues, IssueMultipleSessions)
	}

	if v.maxDuration > 0 && snap.StartedAt != nil && snap.Now.Sub(*snap.StartedAt) > v.maxDuration {
		out.RiskScore += weightDuration
		out.Issues = append(out.Issues, IssueDurationExceeded)
	}

	if longestRun(snap.Choices) >= repetitiveRunLength {
		out.RiskScore += weightRepetitive
		out.Issues = append(out.Issues, IssueRepetitiveAnswers)
	}

	if isCyclic(snap.Choices) {
		out.RiskScore += weightCyclic
		out.Issues = append(out.Issues, IssueCyclicPattern)
	}

	out.Valid = out.RiskScore < ValidRiskCeiling
	return out
}

func hasClientMetadata(raw json.RawMessage) bool {
	var info map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &info) != nil {
		return false
	}
	ua, _ := info["user_agent"].(string)
	return ua != ""
}

func longestRun(choices []string) int {
	best, run := 0, 0
	for i, c := range choices {
		if i > 0 && c == choices[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// isCyclic detects sequences such as A B C A B C built from a short
// repeating cycle of distinct choices.
func isCyclic(choices []string) bool {
	if len(choices) < minCyclicAnswers {
		return false
	}
	for period := 2; period <= maxCyclePeriod; period++ {
		if len(choices) < 2*period || !distinct(choices[:period]) {
			continue
		}
		repeats := true
		for i := period; i < len(choices); i++ {
			if choices[i] != choices[i-period] {
				repeats = false
				break
			}
		}
		if repeats {
			return true
		}
	}
	return false
}

func distinct(xs []string) bool {
	seen := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			return false
		}
		seen[x] = struct{}{}
	}
	return true
}
