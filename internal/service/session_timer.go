package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionTimer fires a callback when a session's countdown reaches zero.
// Rescheduling a session replaces its pending timer.
type SessionTimer struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	fire   func(sessionID uuid.UUID)
}

// NewSessionTimer creates a timer that calls fire on expiry, on its own goroutine.
func NewSessionTimer(fire func(sessionID uuid.UUID)) *SessionTimer {
	return &SessionTimer{timers: make(map[uuid.UUID]*time.Timer), fire: fire}
}

// Schedule arms the session's timer to fire after d.
func (t *SessionTimer) Schedule(sessionID uuid.UUID, d time.Duration) {
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[sessionID]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		// Only the current timer may clear the entry.
		if t.timers[sessionID] == timer {
			delete(t.timers, sessionID)
		}
		t.mu.Unlock()
		t.fire(sessionID)
	})
	t.timers[sessionID] = timer
}

// Cancel disarms the session's timer, if any.
func (t *SessionTimer) Cancel(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[sessionID]; ok {
		timer.Stop()
		delete(t.timers, sessionID)
	}
}

// Active returns the number of armed timers.
func (t *SessionTimer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop disarms every timer. Sessions left running are picked up by the overdue sweep.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
