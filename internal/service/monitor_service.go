package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RosterStore reads the data behind the live exam roster.
type RosterStore interface {
	ListOpenSessions(ctx context.Context, examID uuid.UUID) ([]model.RosterEntry, error)
	GetAnsweredCounts(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	GetSecurityEventCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error)
}

// MonitorService builds the proctor's view of an exam in progress.
type MonitorService struct {
	store RosterStore
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(store RosterStore) *MonitorService {
	return &MonitorService{store: store}
}

// Roster lists the exam's open sessions with their live answer counts and
// security event counts. Answer counts come from the session cache and are
// required; event counts are best-effort.
func (s *MonitorService) Roster(ctx context.Context, examID uuid.UUID) ([]model.RosterEntry, error) {
	entries, err := s.store.ListOpenSessions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	if len(entries) == 0 {
		return []model.RosterEntry{}, nil
	}

	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.SessionID
	}

	var (
		answeredCounts map[uuid.UUID]int64
		eventCounts    map[int]int64
		answeredErr    error
		eventErr       error
		wg             sync.WaitGroup
	)

	wg.Go(func() {
		answeredCounts, answeredErr = s.store.GetAnsweredCounts(ctx, ids)
	})
	wg.Go(func() {
		eventCounts, eventErr = s.store.GetSecurityEventCounts(ctx, examID)
	})
	wg.Wait()

	if answeredErr != nil {
		return nil, unavailable("answer cache", answeredErr)
	}

	for i := range entries {
		entries[i].AnsweredCount = answeredCounts[entries[i].SessionID]
		if eventErr == nil {
			entries[i].SecurityEvents = eventCounts[entries[i].UserID]
		}
	}
	return entries, nil
}
