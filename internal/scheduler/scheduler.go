package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/security"
)

const (
	jobTimeout      = 30 * time.Second
	pruneInterval   = time.Hour
	draftRetention  = 24 * time.Hour
	limiterGCEvery  = 5 * time.Minute
	limiterStateAge = 30 * time.Minute
)

// Sweeper completes sessions whose countdown ran out.
type Sweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

// EventPruner enforces the security event retention period.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DraftPruner removes drafts left behind by finished sessions.
type DraftPruner interface {
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Jobs are the periodic tasks. Limiter is nil when rate limits live in Redis.
type Jobs struct {
	Sessions Sweeper
	Events   EventPruner
	Drafts   DraftPruner
	Limiter  *security.MemoryStore
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	scheduler      *gocron.Scheduler
	jobs           Jobs
	sweepInterval  time.Duration
	eventRetention time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

// New creates a new scheduler instance
func New(jobs Jobs, sweepInterval, eventRetention time.Duration, log zerolog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:      s,
		jobs:           jobs,
		sweepInterval:  sweepInterval,
		eventRetention: eventRetention,
		now:            time.Now,
		log:            log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers every job and runs the scheduler in the background.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.sweepInterval).Do(s.sweepOverdue); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(pruneInterval).Do(s.pruneEvents); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(pruneInterval).Do(s.pruneDrafts); err != nil {
		return err
	}
	if s.jobs.Limiter != nil {
		if _, err := s.scheduler.Every(limiterGCEvery).Do(s.collectLimiter); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.log.Info().Int("jobs", len(s.scheduler.Jobs())).Msg("Scheduler started")
	return nil
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) sweepOverdue() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.jobs.Sessions.SweepOverdue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Overdue sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("completed", n).Msg("Overdue sessions completed")
	}
}

func (s *Scheduler) pruneEvents() {
	if s.eventRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.jobs.Events.DeleteOlderThan(ctx, s.now().Add(-s.eventRetention))
	if err != nil {
		s.log.Error().Err(err).Msg("Security event prune failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("Pruned security events")
	}
}

func (s *Scheduler) pruneDrafts() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.jobs.Drafts.DeleteStale(ctx, s.now().Add(-draftRetention))
	if err != nil {
		s.log.Error().Err(err).Msg("Draft prune failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("Pruned stale answer drafts")
	}
}

func (s *Scheduler) collectLimiter() {
	if n := s.jobs.Limiter.Sweep(s.now(), limiterStateAge); n > 0 {
		s.log.Debug().Int("keys", n).Msg("Collected idle rate limit state")
	}
}
