package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) SweepOverdue(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 2, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, nil
}

func (f *fakePruner) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	return f.DeleteOlderThan(context.Background(), cutoff)
}

func TestScheduler_JobsUseRetentionCutoffs(t *testing.T) {
	events, drafts := &fakePruner{}, &fakePruner{}
	s := New(Jobs{Sessions: &fakeSweeper{}, Events: events, Drafts: drafts}, time.Minute, 30*24*time.Hour, zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.pruneEvents()
	s.pruneDrafts()

	require.Len(t, events.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), events.cutoffs[0])
	require.Len(t, drafts.cutoffs, 1)
	assert.Equal(t, now.Add(-draftRetention), drafts.cutoffs[0])
}

func TestScheduler_ZeroRetentionKeepsEvents(t *testing.T) {
	events := &fakePruner{}
	s := New(Jobs{Sessions: &fakeSweeper{}, Events: events, Drafts: &fakePruner{}}, time.Minute, 0, zerolog.Nop())

	s.pruneEvents()
	assert.Empty(t, events.cutoffs)
}

func TestScheduler_SweepErrorsAreContained(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	s := New(Jobs{Sessions: sweeper, Events: &fakePruner{}, Drafts: &fakePruner{}}, time.Minute, time.Hour, zerolog.Nop())

	assert.NotPanics(t, s.sweepOverdue)
	assert.Equal(t, 1, sweeper.count())
}

func TestScheduler_StartRunsSweeps(t *testing.T) {
	sweeper := &fakeSweeper{}
	limiter := security.NewMemoryStore()
	s := New(Jobs{Sessions: sweeper, Events: &fakePruner{}, Drafts: &fakePruner{}, Limiter: limiter}, 100*time.Millisecond, time.Hour, zerolog.Nop())

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.scheduler.Jobs(), 4)
	assert.Eventually(t, func() bool { return sweeper.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
}
