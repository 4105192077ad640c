package security

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Anomaly flags.
const (
	FlagRapidResponse     = "rapid_response"
	FlagInsufficientDwell = "insufficient_dwell"
	FlagPasteSuspected    = "paste_suspected"
)

// Submission describes one answer for anomaly analysis. Zero durations mean
// the client did not report the measurement.
type Submission struct {
	SessionID      uuid.UUID
	ExamID         uuid.UUID
	UserID         int
	QuestionID     uuid.UUID
	ResponseTime   time.Duration
	TimeOnQuestion time.Duration
	TextLength     int
}

// AnomalyReport is advisory. It never blocks a submission.
type AnomalyReport struct {
	RiskScore  int      `json:"risk_score"`
	Flags      []string `json:"flags"`
	Suspicious bool     `json:"suspicious"`
}

type AnomalyThresholds struct {
	MinResponseTime   time.Duration
	MinDwellTime      time.Duration
	PasteMinLength    int
	MaxCharsPerSecond float64
	Threshold         int
}

func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MinResponseTime:   2 * time.Second,
		MinDwellTime:      3 * time.Second,
		PasteMinLength:    100,
		MaxCharsPerSecond: 15,
		Threshold:         50,
	}
}

const (
	weightRapidResponse     = 30
	weightInsufficientDwell = 25
	weightPasteSuspected    = 40
)

type AnomalyDetector struct {
	t AnomalyThresholds
}

func NewAnomalyDetector(t AnomalyThresholds) *AnomalyDetector {
	return &AnomalyDetector{t: t}
}

// Analyze scores a submission's timing heuristics.
func (d *AnomalyDetector) Analyze(sub Submission) AnomalyReport {
	report := AnomalyReport{Flags: []string{}}

	if sub.ResponseTime > 0 && sub.ResponseTime < d.t.MinResponseTime {
		report.RiskScore += weightRapidResponse
		report.Flags = append(report.Flags, FlagRapidResponse)
	}

	if sub.TimeOnQuestion > 0 && sub.TimeOnQuestion < d.t.MinDwellTime {
		report.RiskScore += weightInsufficientDwell
		report.Flags = append(report.Flags, FlagInsufficientDwell)
	}

	elapsed := sub.TimeOnQuestion
	if elapsed <= 0 {
		elapsed = sub.ResponseTime
	}
	if sub.TextLength >= d.t.PasteMinLength && elapsed > 0 {
		if float64(sub.TextLength)/elapsed.Seconds() > d.t.MaxCharsPerSecond {
			report.RiskScore += weightPasteSuspected
			report.Flags = append(report.Flags, FlagPasteSuspected)
		}
	}

	report.Suspicious = report.RiskScore >= d.t.Threshold
	return report
}

// TextLength returns the rune count of a free-text response, 0 for anything else.
func TextLength(raw json.RawMessage) int {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	return utf8.RuneCountInString(s)
}
