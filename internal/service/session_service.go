package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/security"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Completion triggers stored in session metadata.
const (
	TriggerClient   = "client"
	TriggerTimer    = "timer"
	TriggerExpired  = "expired"
	TriggerSweep    = "sweep"
	TriggerExaminer = "examiner"
)

const (
	finalizeTimeout     = 30 * time.Second
	overdueBatchSize    = 100
	securityReportLimit = 100
	questionCacheTTL    = 5 * time.Minute
)

// SessionDeps groups the collaborators of SessionService.
type SessionDeps struct {
	Sessions   SessionStore
	Exams      ExamReader
	Responses  ResponseStore
	Drafts     DraftStore
	Cache      AnswerCache
	Queue      JobQueue
	Gate       AccessChecker
	Monitor    *security.Monitor
	Reconciler *Reconciler
}

// SessionService owns the exam session state machine: start, pause, resume,
// answer capture, completion and termination.
type SessionService struct {
	sessions   SessionStore
	exams      ExamReader
	responses  ResponseStore
	drafts     DraftStore
	cache      AnswerCache
	queue      JobQueue
	gate       AccessChecker
	monitor    *security.Monitor
	reconciler *Reconciler

	questions *questionCache
	timer     *SessionTimer
	flights   singleflight.Group
	now       func() time.Time
	log       zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(d SessionDeps, log zerolog.Logger) *SessionService {
	s := &SessionService{
		sessions:   d.Sessions,
		exams:      d.Exams,
		responses:  d.Responses,
		drafts:     d.Drafts,
		cache:      d.Cache,
		queue:      d.Queue,
		gate:       d.Gate,
		monitor:    d.Monitor,
		reconciler: d.Reconciler,
		questions:  newQuestionCache(d.Exams, questionCacheTTL),
		now:        time.Now,
		log:        log.With().Str("component", "session_service").Logger(),
	}
	s.timer = NewSessionTimer(s.onTimerExpired)
	return s
}

// ActiveTimers returns how many session countdowns this process has armed.
func (s *SessionService) ActiveTimers() int {
	return s.timer.Active()
}

// Close disarms all countdown timers.
func (s *SessionService) Close() {
	s.timer.Stop()
}

// SecurityReport is the staff view of a session's security events.
type SecurityReport struct {
	SessionID uuid.UUID             `json:"session_id"`
	Metrics   security.RiskMetrics  `json:"metrics"`
	Events    []model.SecurityEvent `json:"events"`
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// StartOrResume returns the caller's open session for the exam, creating it
// when none exists. New sessions require a valid identity verification
// unless the exam waives it or the caller is staff.
func (s *SessionService) StartOrResume(ctx context.Context, actor model.Actor, examID uuid.UUID, browserInfo json.RawMessage) (*model.ExamSession, error) {
	if err := s.allow(ctx, security.ActionSessionRequest, security.Subject{UserID: actor.UserID, ExamID: examID}); err != nil {
		return nil, err
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: exam", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if !exam.IsAvailable() {
		return nil, fmt.Errorf("%w: exam is not open for sessions", ErrAccessDenied)
	}

	open, err := s.existing(ctx, actor.UserID, examID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return s.resumeOpen(ctx, open)
	}

	check, err := s.gate.CheckAccess(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("check verification: %w", err)
	}
	if !check.CanAccess && exam.RequiresVerification {
		if check.Reason == model.AccessReasonExpired {
			return nil, ErrVerificationExpired
		}
		return nil, ErrVerificationRequired
	}

	sess := &model.ExamSession{
		ID:                 uuid.New(),
		UserID:             actor.UserID,
		ExamID:             examID,
		Status:             model.SessionStatusPending,
		VerificationStatus: model.VerificationStatusUnverified,
		BrowserInfo:        browserInfo,
		Metadata: map[string]any{
			"verification_completed": check.CanAccess,
			"verification_reason":    check.Reason,
		},
	}
	if check.Reason == model.AccessReasonVerified {
		sess.VerificationStatus = model.VerificationStatusVerified
		sess.VerificationTime = check.VerificationTime
	}
	if limit := exam.TimeLimit(); limit > 0 {
		secs := int(limit / time.Second)
		remaining := secs
		sess.TimeLimitSeconds = &secs
		sess.TimeRemaining = &remaining
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// A concurrent request created the open session first.
		open, err := s.existing(ctx, actor.UserID, examID)
		if err != nil {
			return nil, err
		}
		if open == nil {
			return nil, fmt.Errorf("%w: concurrent session start", ErrInvalidTransition)
		}
		return s.resumeOpen(ctx, open)
	}

	return s.activate(ctx, sess)
}

// Pause stops the countdown of an active session.
func (s *SessionService) Pause(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error) {
	if err := s.allow(ctx, security.ActionSessionRequest, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadOwned(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if err := finalStatusErr(sess.Status); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fmt.Errorf("%w: cannot pause a %s session", ErrInvalidTransition, sess.Status)
	}

	now := s.now()
	if sess.Expired(now) {
		return nil, s.expire(ctx, sess)
	}

	sess.TimeRemaining = sess.Remaining(now)
	sess.Status = model.SessionStatusPaused
	sess.PausedAt = &now

	ok, err := s.sessions.Update(ctx, sess, model.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("pause session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
	}

	s.timer.Cancel(sessionID)
	if err := s.cache.SetStatus(ctx, sessionID, model.SessionStatusPaused); err != nil && !errors.Is(err, repository.ErrCacheMiss) {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to update cached status")
	}

	s.log.Info().Str("session_id", sessionID.String()).Msg("Session paused")
	return sess, nil
}

// Resume restarts the countdown of a paused session.
func (s *SessionService) Resume(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error) {
	if err := s.allow(ctx, security.ActionSessionRequest, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadOwned(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if err := finalStatusErr(sess.Status); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, sess.Status)
	}
	return s.resumeFromPause(ctx, sess)
}

// Complete finalizes the caller's session. Completing an already completed
// session returns the stored result.
func (s *SessionService) Complete(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.CompletionResult, error) {
	if err := s.allow(ctx, security.ActionSessionRequest, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadOwned(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.SessionStatusCompleted:
		return storedResult(sess), nil
	case model.SessionStatusTerminated:
		return nil, ErrSessionTerminated
	case model.SessionStatusPending:
		return nil, fmt.Errorf("%w: session has not started", ErrInvalidTransition)
	}

	return s.finalizeOnce(ctx, sessionID, model.SessionStatusCompleted, TriggerClient, "")
}

// Terminate force-ends a session. Staff only.
func (s *SessionService) Terminate(ctx context.Context, actor model.Actor, sessionID uuid.UUID, reason string) (*model.CompletionResult, error) {
	if !actor.Role.IsStaff() {
		return nil, fmt.Errorf("%w: only examiners and admins may terminate sessions", ErrAccessDenied)
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.SessionStatusTerminated:
		return storedResult(sess), nil
	case model.SessionStatusCompleted:
		return nil, ErrAlreadyCompleted
	}

	res, err := s.finalizeOnce(ctx, sessionID, model.SessionStatusTerminated, TriggerExaminer, reason)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("session_id", sessionID.String()).
		Int("examiner_id", actor.UserID).
		Str("reason", reason).
		Msg("Session terminated")
	return res, nil
}

// ─── Answers ────────────────────────────────────────────────────────────────

// SubmitAnswer caches one answer. An answer older than the cached one for the
// same question is ignored and reported as not saved.
func (s *SessionService) SubmitAnswer(ctx context.Context, actor model.Actor, sessionID uuid.UUID, req model.SubmitAnswerRequest) (*model.SubmitAnswerResult, error) {
	qID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("%w: question_id", ErrValidation)
	}
	if err := s.allow(ctx, security.ActionAnswerSubmit, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadOwned(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if err := finalStatusErr(sess.Status); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}

	now := s.now()
	if sess.Expired(now) {
		return nil, s.expire(ctx, sess)
	}

	qs, err := s.questions.get(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if _, ok := qs.byID[qID]; !ok {
		return nil, fmt.Errorf("%w: question", ErrNotFound)
	}

	ans := toCachedAnswer(qID, req, now)
	report := s.monitor.Inspect(ctx, submission(sess, qID, req))

	saved, err := s.cache.Set(ctx, sessionID, ans)
	if errors.Is(err, repository.ErrCacheMiss) {
		if err := s.armCache(ctx, sess); err != nil {
			return nil, err
		}
		saved, err = s.cache.Set(ctx, sessionID, ans)
	}
	if err != nil {
		return nil, unavailable("answer cache", err)
	}

	if saved {
		if err := s.queue.EnqueueDraft(ctx, model.DraftAnswerPayload{
			SessionID:       sessionID,
			UserID:          sess.UserID,
			QuestionID:      qID,
			Response:        ans.Response,
			ClientTimestamp: ans.ClientTimestamp,
		}); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to enqueue answer draft")
		}
	}

	count, err := s.cache.Count(ctx, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to count cached answers")
	}

	return &model.SubmitAnswerResult{
		QuestionID:    qID,
		Saved:         saved,
		AnsweredCount: count,
		Flagged:       report.Suspicious,
	}, nil
}

// SubmitBatch reconciles a bulk autosave straight into the durable store and
// mirrors the accepted answers into the cache so progress stays current.
// A batch with per-item failures returns its result with ErrReconciliationPartial.
func (s *SessionService) SubmitBatch(ctx context.Context, actor model.Actor, sessionID uuid.UUID, req model.SubmitBatchRequest) (*model.ReconcileResult, error) {
	if err := s.allow(ctx, security.ActionAutosave, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadOwned(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if err := finalStatusErr(sess.Status); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}

	now := s.now()
	if sess.Expired(now) {
		return nil, s.expire(ctx, sess)
	}

	qs, err := s.questions.get(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}

	answers := make([]model.CachedAnswer, 0, len(req.Responses))
	for _, item := range req.Responses {
		qID, err := uuid.Parse(item.QuestionID)
		if err != nil {
			return nil, fmt.Errorf("%w: question_id %q", ErrValidation, item.QuestionID)
		}
		answers = append(answers, toCachedAnswer(qID, item, now))
		if item.ResponseTimeMs > 0 || item.TimeOnQuestionMs > 0 {
			s.monitor.Inspect(ctx, submission(sess, qID, item))
		}
	}

	result, err := s.reconciler.Reconcile(ctx, sess, answers, qs.list)
	if err != nil {
		return nil, err
	}
	s.mirrorBatch(ctx, sess, qs, answers, result)
	if !result.Success {
		return result, ErrReconciliationPartial
	}
	return result, nil
}

// mirrorBatch writes reconciled answers into the cache. The timestamp check
// in the cache keeps stale items of the batch from overwriting newer ones.
func (s *SessionService) mirrorBatch(ctx context.Context, sess *model.ExamSession, qs *questionSet, answers []model.CachedAnswer, result *model.ReconcileResult) {
	failed := make(map[uuid.UUID]struct{}, len(result.Errors))
	for _, e := range result.Errors {
		failed[e.QuestionID] = struct{}{}
	}

	armed := false
	for _, a := range answers {
		if _, ok := qs.byID[a.QuestionID]; !ok {
			continue
		}
		if _, ok := failed[a.QuestionID]; ok {
			continue
		}

		_, err := s.cache.Set(ctx, sess.ID, a)
		if errors.Is(err, repository.ErrCacheMiss) && !armed {
			armed = true
			if err = s.armCache(ctx, sess); err == nil {
				_, err = s.cache.Set(ctx, sess.ID, a)
			}
		}
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to mirror batch answers into cache")
			return
		}
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// GetSession returns a session visible to the actor, with a fresh countdown.
func (s *SessionService) GetSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.loadVisible(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	sess.TimeRemaining = sess.Remaining(s.now())
	return sess, nil
}

// GetProgress reports how much of the exam the session has answered.
func (s *SessionService) GetProgress(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.SessionProgress, error) {
	if err := s.allow(ctx, security.ActionProgressPoll, security.Subject{UserID: actor.UserID, SessionID: sessionID}); err != nil {
		return nil, err
	}

	sess, err := s.loadVisible(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	qs, err := s.questions.get(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}

	var answered int
	if sess.Status.IsFinal() {
		rows, err := s.responses.ListBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list responses: %w", err)
		}
		answered = len(rows)
	} else {
		n, err := s.cache.Count(ctx, sessionID)
		if err != nil {
			return nil, unavailable("answer cache", err)
		}
		answered = int(n)
	}

	total := len(qs.list)
	if answered > total {
		answered = total
	}

	return &model.SessionProgress{
		SessionID:            sessionID,
		Status:               sess.Status,
		TotalQuestions:       total,
		AnsweredQuestions:    answered,
		CompletionPercentage: scoring.Percentage(float64(answered), float64(total)),
		TimeRemaining:        sess.Remaining(s.now()),
	}, nil
}

// SecurityReport returns a session's risk metrics and recent events. Staff only.
func (s *SessionService) SecurityReport(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*SecurityReport, error) {
	if !actor.Role.IsStaff() {
		return nil, ErrAccessDenied
	}
	if _, err := s.load(ctx, sessionID); err != nil {
		return nil, err
	}

	metrics, err := s.monitor.SessionRisk(ctx, sessionID)
	if err != nil {
		return nil, unavailable("security events", err)
	}
	events, err := s.monitor.SessionEvents(ctx, sessionID, securityReportLimit)
	if err != nil {
		return nil, unavailable("security events", err)
	}
	if events == nil {
		events = []model.SecurityEvent{}
	}
	return &SecurityReport{SessionID: sessionID, Metrics: metrics, Events: events}, nil
}

// GradeResponse records an examiner's grade for one question and updates the
// session score. Staff only.
func (s *SessionService) GradeResponse(ctx context.Context, actor model.Actor, sessionID, questionID uuid.UUID, req model.GradeResponseRequest) (*model.ScoreResult, error) {
	if !actor.Role.IsStaff() {
		return nil, fmt.Errorf("%w: only examiners and admins may grade", ErrAccessDenied)
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsFinal() || sess.Score == nil {
		return nil, fmt.Errorf("%w: session has not been scored yet", ErrInvalidTransition)
	}

	score := *sess.Score
	score.Results = append([]model.ScoringResult(nil), sess.Score.Results...)
	if err := scoring.ApplyManualGrade(&score, questionID, req.Points, req.IsCorrect); err != nil {
		switch {
		case errors.Is(err, scoring.ErrResultNotFound):
			return nil, fmt.Errorf("%w: question", ErrNotFound)
		case errors.Is(err, scoring.ErrPointsOutOfRange):
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	isCorrect := req.IsCorrect
	if err := s.responses.UpdateGrade(ctx, sessionID, questionID, &isCorrect, req.Points); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update response grade: %w", err)
	}
	if err := s.sessions.SaveScore(ctx, sessionID, &score); err != nil {
		return nil, fmt.Errorf("save score: %w", err)
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("question_id", questionID.String()).
		Int("grader_id", actor.UserID).
		Float64("points", req.Points).
		Msg("Response graded")
	return &score, nil
}

// ─── Background ─────────────────────────────────────────────────────────────

// SweepOverdue completes active sessions whose countdown elapsed without the
// in-process timer firing, e.g. after a restart. Returns how many it completed.
func (s *SessionService) SweepOverdue(ctx context.Context) (int, error) {
	overdue, err := s.sessions.ListOverdue(ctx, s.now(), overdueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue sessions: %w", err)
	}

	completed := 0
	for i := range overdue {
		if _, err := s.finalizeOnce(ctx, overdue[i].ID, model.SessionStatusCompleted, TriggerSweep, ""); err != nil {
			s.log.Error().Err(err).Str("session_id", overdue[i].ID.String()).Msg("Failed to auto-complete overdue session")
			continue
		}
		completed++
	}
	return completed, nil
}

// RetryReconciliation reconciles a finished session whose answers could not
// all be persisted at completion.
func (s *SessionService) RetryReconciliation(ctx context.Context, sessionID uuid.UUID) (*model.ReconcileResult, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsFinal() {
		return nil, fmt.Errorf("%w: session is still %s", ErrInvalidTransition, sess.Status)
	}

	qs, answers, err := s.gather(ctx, sess)
	if err != nil {
		return nil, err
	}

	result, err := s.reconciler.Reconcile(ctx, sess, answers, qs.list)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, ErrReconciliationPartial
	}

	s.cleanup(ctx, sessionID)
	return result, nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (s *SessionService) allow(ctx context.Context, action security.Action, subj security.Subject) error {
	d, err := s.monitor.Allow(ctx, action, subj)
	if err != nil {
		return unavailable("rate limiter", err)
	}
	if !d.Allowed {
		return &RateLimitError{Action: action, Decision: d}
	}
	return nil
}

func (s *SessionService) load(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	return sess, nil
}

func (s *SessionService) loadOwned(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: session belongs to another user", ErrAccessDenied)
	}
	return sess, nil
}

func (s *SessionService) loadVisible(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != actor.UserID && !actor.Role.IsStaff() {
		return nil, fmt.Errorf("%w: session belongs to another user", ErrAccessDenied)
	}
	return sess, nil
}

func finalStatusErr(status model.SessionStatus) error {
	switch status {
	case model.SessionStatusCompleted:
		return ErrAlreadyCompleted
	case model.SessionStatusTerminated:
		return ErrSessionTerminated
	}
	return nil
}

func storedResult(sess *model.ExamSession) *model.CompletionResult {
	sess.TimeRemaining = sess.Remaining(time.Now())
	return &model.CompletionResult{Session: sess, Score: sess.Score}
}

// existing returns the user's open session for the exam, if any.
func (s *SessionService) existing(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	sessions, err := s.sessions.ListByUserAndExam(ctx, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var open *model.ExamSession
	terminated := false
	for i := range sessions {
		switch sessions[i].Status {
		case model.SessionStatusCompleted:
			return nil, ErrAlreadyCompleted
		case model.SessionStatusTerminated:
			terminated = true
		default:
			if open == nil {
				open = &sessions[i]
			}
		}
	}
	if open != nil {
		if open.Metadata == nil {
			open.Metadata = map[string]any{}
		}
		return open, nil
	}
	if terminated {
		return nil, ErrSessionTerminated
	}
	return nil, nil
}

func (s *SessionService) activate(ctx context.Context, sess *model.ExamSession) (*model.ExamSession, error) {
	now := s.now()
	sess.Status = model.SessionStatusActive
	sess.StartedAt = &now
	sess.TimeRemaining = sess.Remaining(now)

	if err := s.armCache(ctx, sess); err != nil {
		return nil, err
	}

	ok, err := s.sessions.Update(ctx, sess, model.SessionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if !ok {
		fresh, err := s.load(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == model.SessionStatusPending || fresh.Status.IsFinal() {
			return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
		}
		return s.resumeOpen(ctx, fresh)
	}

	s.schedule(sess)
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("user_id", sess.UserID).
		Str("exam_id", sess.ExamID.String()).
		Msg("Session started")
	return sess, nil
}

func (s *SessionService) resumeOpen(ctx context.Context, sess *model.ExamSession) (*model.ExamSession, error) {
	switch sess.Status {
	case model.SessionStatusPending:
		return s.activate(ctx, sess)
	case model.SessionStatusPaused:
		return s.resumeFromPause(ctx, sess)
	}

	now := s.now()
	if sess.Expired(now) {
		return nil, s.expire(ctx, sess)
	}
	if err := s.armCache(ctx, sess); err != nil {
		return nil, err
	}
	s.schedule(sess)
	sess.TimeRemaining = sess.Remaining(now)
	return sess, nil
}

func (s *SessionService) resumeFromPause(ctx context.Context, sess *model.ExamSession) (*model.ExamSession, error) {
	now := s.now()
	if sess.PausedAt != nil {
		sess.PausedSeconds += int(now.Sub(*sess.PausedAt) / time.Second)
	}
	sess.PausedAt = nil
	sess.Status = model.SessionStatusActive
	sess.TimeRemaining = sess.Remaining(now)

	if err := s.armCache(ctx, sess); err != nil {
		return nil, err
	}

	ok, err := s.sessions.Update(ctx, sess, model.SessionStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
	}

	s.schedule(sess)
	s.log.Info().Str("session_id", sess.ID.String()).Int("paused_seconds", sess.PausedSeconds).Msg("Session resumed")
	return sess, nil
}

// armCache seeds the answer cache and sets its TTL to the remaining time plus grace.
func (s *SessionService) armCache(ctx context.Context, sess *model.ExamSession) error {
	meta := model.CacheMeta{
		SessionID: sess.ID,
		ExamID:    sess.ExamID,
		UserID:    sess.UserID,
		Status:    sess.Status,
	}
	if sess.TimeLimitSeconds != nil {
		meta.TimeLimitMinutes = ceilMinutes(*sess.TimeLimitSeconds)
	}
	if sess.StartedAt != nil {
		meta.StartedAt = *sess.StartedAt
	}

	if err := s.cache.Init(ctx, meta); err != nil {
		return unavailable("answer cache", err)
	}
	if rem := sess.Remaining(s.now()); rem != nil {
		if err := s.cache.ExtendTTL(ctx, sess.ID, ceilMinutes(*rem)); err != nil {
			return unavailable("answer cache", err)
		}
	}
	return nil
}

func ceilMinutes(seconds int) int {
	m := (seconds + 59) / 60
	if m < 1 {
		m = 1
	}
	return m
}

func (s *SessionService) schedule(sess *model.ExamSession) {
	if sess.Status != model.SessionStatusActive {
		return
	}
	if deadline := sess.Deadline(s.now()); deadline != nil {
		s.timer.Schedule(sess.ID, deadline.Sub(s.now()))
	}
}

// expire completes a session whose time ran out and reports ErrSessionExpired.
func (s *SessionService) expire(ctx context.Context, sess *model.ExamSession) error {
	if _, err := s.finalizeOnce(ctx, sess.ID, model.SessionStatusCompleted, TriggerExpired, ""); err != nil {
		s.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to complete expired session")
	}
	return ErrSessionExpired
}

func (s *SessionService) onTimerExpired(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Timer fired for unknown session")
		return
	}
	if sess.Status != model.SessionStatusActive {
		return
	}
	if !sess.Expired(s.now()) {
		s.schedule(sess)
		return
	}

	if _, err := s.finalizeOnce(ctx, sessionID, model.SessionStatusCompleted, TriggerTimer, ""); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Timer auto-completion failed")
	}
}

// finalizeOnce collapses concurrent finalizations of a session in this
// process. Across processes the conditional status write decides the winner.
func (s *SessionService) finalizeOnce(ctx context.Context, sessionID uuid.UUID, target model.SessionStatus, trigger, reason string) (*model.CompletionResult, error) {
	v, err, _ := s.flights.Do(string(target)+":"+sessionID.String(), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return s.finalize(fctx, sessionID, target, trigger, reason)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CompletionResult), nil
}

// gather loads the questions and every known answer of a session, merging
// the cache with the write-ahead drafts. It fails only when both sources fail.
func (s *SessionService) gather(ctx context.Context, sess *model.ExamSession) (*questionSet, []model.CachedAnswer, error) {
	var (
		qs                 *questionSet
		cached             map[uuid.UUID]model.CachedAnswer
		drafts             []model.CachedAnswer
		cacheErr, draftErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if qs, err = s.questions.get(gctx, sess.ExamID); err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		cached, cacheErr = s.cache.GetAll(gctx, sess.ID)
		return nil
	})
	g.Go(func() error {
		drafts, draftErr = s.drafts.ListBySession(gctx, sess.ID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if cacheErr != nil && draftErr != nil {
		return nil, nil, unavailable("answer sources", errors.Join(cacheErr, draftErr))
	}
	if cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("session_id", sess.ID.String()).Msg("Answer cache unreadable, using drafts")
	}
	if draftErr != nil {
		s.log.Warn().Err(draftErr).Str("session_id", sess.ID.String()).Msg("Answer drafts unreadable, using cache")
	}

	return qs, mergeAnswers(cachedList(cached), drafts), nil
}

func (s *SessionService) finalize(ctx context.Context, sessionID uuid.UUID, target model.SessionStatus, trigger, reason string) (*model.CompletionResult, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsFinal() {
		return storedResult(sess), nil
	}

	qs, answers, err := s.gather(ctx, sess)
	if err != nil {
		return nil, err
	}

	recon, reconErr := s.reconciler.Reconcile(ctx, sess, answers, qs.list)
	if reconErr != nil {
		s.log.Warn().Err(reconErr).Str("session_id", sessionID.String()).Msg("Reconciliation failed at completion")
	}

	persisted, err := s.responses.ListBySession(ctx, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Scoring from cached answers only")
	}
	score := scoring.CalculateExamScore(qs.list, scoringAnswers(persisted, answers))

	now := s.now()
	validation := s.monitor.Validate(ctx, s.snapshot(ctx, sess, qs, answers, now))

	sess.TimeRemaining = sess.Remaining(now)
	if sess.Status == model.SessionStatusPaused && sess.PausedAt != nil {
		sess.PausedSeconds += int(now.Sub(*sess.PausedAt) / time.Second)
		sess.PausedAt = nil
	}
	sess.Status = target
	sess.CompletedAt = &now
	sess.Score = &score
	sess.Metadata["completion_trigger"] = trigger
	sess.Metadata["risk_score"] = validation.RiskScore
	sess.Metadata["session_valid"] = validation.Valid
	if len(validation.Issues) > 0 {
		sess.Metadata["risk_issues"] = validation.Issues
	}
	if reason != "" {
		sess.Metadata["termination_reason"] = reason
	}

	ok, err := s.sessions.Update(ctx, sess, model.OpenSessionStatuses...)
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if !ok {
		// Another instance finished the session first; its result stands.
		fresh, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if fresh.Status.IsFinal() {
			return storedResult(fresh), nil
		}
		return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
	}

	s.timer.Cancel(sessionID)

	if reconErr == nil && recon.Success {
		s.cleanup(ctx, sessionID)
	} else {
		if err := s.cache.SetStatus(ctx, sessionID, target); err != nil && !errors.Is(err, repository.ErrCacheMiss) {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to update cached status")
		}
		if err := s.queue.EnqueueReconcile(ctx, model.ReconcileJob{SessionID: sessionID, Attempt: 1, NotBefore: now}); err != nil {
			s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to enqueue reconciliation retry")
		}
	}

	s.recordFinalization(ctx, sess, trigger, reason)

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("status", string(target)).
		Str("trigger", trigger).
		Float64("score", score.TotalScore).
		Float64("max_score", score.MaxPossibleScore).
		Int("risk_score", validation.RiskScore).
		Msg("Session finalized")

	return &model.CompletionResult{Session: sess, Score: &score, Reconciliation: recon}, nil
}

func (s *SessionService) cleanup(ctx context.Context, sessionID uuid.UUID) {
	if err := s.cache.Clear(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to clear answer cache")
	}
	if err := s.drafts.DeleteBySession(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to delete answer drafts")
	}
}

func (s *SessionService) recordFinalization(ctx context.Context, sess *model.ExamSession, trigger, reason string) {
	subj := security.Subject{UserID: sess.UserID, SessionID: sess.ID, ExamID: sess.ExamID}

	var ev model.SecurityEvent
	switch trigger {
	case TriggerExaminer:
		ev = subj.Event(model.EventSessionTerminated, model.SeverityHigh, map[string]any{"reason": reason})
	case TriggerTimer, TriggerExpired, TriggerSweep:
		ev = subj.Event(model.EventSessionAutoSubmit, model.SeverityLow, map[string]any{"trigger": trigger})
	default:
		return
	}
	if err := s.monitor.Record(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to record finalization event")
	}
}

func (s *SessionService) snapshot(ctx context.Context, sess *model.ExamSession, qs *questionSet, answers []model.CachedAnswer, now time.Time) security.SessionSnapshot {
	active, err := s.sessions.CountOpenByUser(ctx, sess.UserID)
	if err != nil {
		s.log.Warn().Err(err).Int("user_id", sess.UserID).Msg("Failed to count open sessions")
	}
	return security.SessionSnapshot{
		SessionID:      sess.ID,
		ExamID:         sess.ExamID,
		UserID:         sess.UserID,
		BrowserInfo:    sess.BrowserInfo,
		ActiveSessions: active,
		StartedAt:      sess.StartedAt,
		Now:            now,
		Choices:        choiceSequence(qs.list, answers),
	}
}

// choiceSequence lists single-choice answers in question order.
func choiceSequence(questions []model.Question, answers []model.CachedAnswer) []string {
	byQuestion := make(map[uuid.UUID]json.RawMessage, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a.Response
	}

	var out []string
	for _, q := range questions {
		if q.QuestionType != model.QuestionTypeMultipleChoice {
			continue
		}
		raw, ok := byQuestion[q.ID]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if list, ok := v.([]any); ok {
			if len(list) != 1 {
				continue
			}
			v = list[0]
		}
		switch c := v.(type) {
		case string:
			out = append(out, c)
		case float64:
			out = append(out, fmt.Sprint(c))
		}
	}
	return out
}

func toCachedAnswer(qID uuid.UUID, req model.SubmitAnswerRequest, now time.Time) model.CachedAnswer {
	ts := now
	if req.ClientTimestamp != nil && !req.ClientTimestamp.IsZero() && !req.ClientTimestamp.After(now) {
		ts = *req.ClientTimestamp
	}
	return model.CachedAnswer{
		QuestionID:      qID,
		Response:        req.Response,
		ClientTimestamp: ts.UTC().Truncate(time.Millisecond),
		ServerTimestamp: now.UTC(),
	}
}

func submission(sess *model.ExamSession, qID uuid.UUID, req model.SubmitAnswerRequest) security.Submission {
	return security.Submission{
		SessionID:      sess.ID,
		ExamID:         sess.ExamID,
		UserID:         sess.UserID,
		QuestionID:     qID,
		ResponseTime:   time.Duration(req.ResponseTimeMs) * time.Millisecond,
		TimeOnQuestion: time.Duration(req.TimeOnQuestionMs) * time.Millisecond,
		TextLength:     security.TextLength(req.Response),
	}
}
