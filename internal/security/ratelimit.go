package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Action names a rate-limited operation. Each action has its own window.
type Action string

const (
	ActionAnswerSubmit   Action = "answer_submit"
	ActionSessionRequest Action = "session_request"
	ActionAutosave       Action = "autosave"
	ActionProgressPoll   Action = "progress_poll"
	ActionVerification   Action = "verification"
)

var ErrUnknownAction = errors.New("no rate limit policy for action")

// Policy allows Limit hits per sliding Window. Exceeding it blocks the
// identifier for Cooldown, after which the window starts empty.
type Policy struct {
	Limit    int
	Window   time.Duration
	Cooldown time.Duration
}

// DefaultPolicies returns the stock limits.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionAnswerSubmit:   {Limit: 30, Window: time.Minute, Cooldown: 5 * time.Minute},
		ActionSessionRequest: {Limit: 20, Window: time.Minute, Cooldown: 5 * time.Minute},
		ActionAutosave:       {Limit: 5, Window: 30 * time.Second, Cooldown: time.Minute},
		ActionProgressPoll:   {Limit: 30, Window: time.Minute, Cooldown: time.Minute},
		ActionVerification:   {Limit: 5, Window: 5 * time.Minute, Cooldown: 15 * time.Minute},
	}
}

// Store persists limiter state. Implementations must make Hit atomic per key.
type Store interface {
	// Hit records a hit at now and returns the hits inside (now-window, now].
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// Block marks key as blocked until the given instant.
	Block(ctx context.Context, key string, until time.Time) error
	// BlockedUntil returns the block expiry for key, or the zero time.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)
	// Reset clears the window and any block for key.
	Reset(ctx context.Context, key string) error
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Blocked    bool          `json:"blocked"`
	Tripped    bool          `json:"-"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds formats RetryAfter for the Retry-After header, minimum 1.
func (d Decision) RetryAfterSeconds() string {
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// RateLimiter enforces per-action sliding windows with a cooldown block.
type RateLimiter struct {
	store    Store
	policies map[Action]Policy
	now      func() time.Time
}

func NewRateLimiter(store Store, policies map[Action]Policy) *RateLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &RateLimiter{store: store, policies: policies, now: time.Now}
}

// Allow records one hit of action by identifier and decides whether it may proceed.
func (l *RateLimiter) Allow(ctx context.Context, action Action, identifier string) (Decision, error) {
	p, ok := l.policies[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	key := string(action) + ":" + identifier
	now := l.now()

	until, err := l.store.BlockedUntil(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("read block: %w", err)
	}
	if !until.IsZero() {
		if now.Before(until) {
			return Decision{
				Blocked:    true,
				Limit:      p.Limit,
				ResetAt:    until,
				RetryAfter: until.Sub(now),
			}, nil
		}
		if err := l.store.Reset(ctx, key); err != nil {
			return Decision{}, fmt.Errorf("reset window: %w", err)
		}
	}

	count, err := l.store.Hit(ctx, key, p.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("record hit: %w", err)
	}

	if count > p.Limit {
		blockedUntil := now.Add(p.Cooldown)
		if err := l.store.Block(ctx, key, blockedUntil); err != nil {
			return Decision{}, fmt.Errorf("block: %w", err)
		}
		return Decision{
			Blocked:    true,
			Tripped:    true,
			Limit:      p.Limit,
			ResetAt:    blockedUntil,
			RetryAfter: p.Cooldown,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - count,
		ResetAt:   now.Add(p.Window),
	}, nil
}

// Reset clears the limiter state of identifier for action.
func (l *RateLimiter) Reset(ctx context.Context, action Action, identifier string) error {
	return l.store.Reset(ctx, string(action)+":"+identifier)
}
