// Package scheduler provides a concurrency-bounded, retrying executor for
// named units of asynchronous work. Unit IDs double as idempotency keys:
// once an ID has been scheduled it is remembered for the scheduler's lifetime
// and re-scheduling it is rejected without side effects.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// WorkFunc is one unit of work. It is retried per the scheduler's policy until
// it returns nil or the attempt budget is exhausted. Timeouts are the work
// function's own responsibility.
type WorkFunc func(ctx context.Context) error

// CompletionHook is invoked exactly once when a unit reaches a terminal state:
// (true, nil) on success, (false, err) after retries are exhausted. Hook
// panics are recovered and logged, never propagated.
type CompletionHook func(success bool, err error)

// RetryPolicy controls retry behavior for every unit of a scheduler.
// Attempt n failure sleeps Backoff * 2^(n-1) before the next try.
type RetryPolicy struct {
	Attempts int           // Total tries per unit (minimum 1)
	Backoff  time.Duration // Base backoff before the second try
}

type unitState int

const (
	unitInFlight unitState = iota
	unitSucceeded
	unitFailed
)

// unit tracks one scheduled ID from launch to terminal state.
type unit struct {
	id       string
	state    unitState
	attempts int // Attempt count at resolution (successful try, or Attempts on failure)
	err      error
	done     chan struct{}
}

// Scheduler executes named units of work with a fixed concurrency ceiling and
// per-unit retries. The ID dedup table grows for the scheduler's lifetime;
// eviction is an operator concern layered outside this type.
type Scheduler struct {
	mu     sync.Mutex
	units  map[string]*unit
	sem    chan struct{}
	policy RetryPolicy
}

// New creates a scheduler with the given concurrency limit and retry policy.
// Limits below 1 are raised to 1; so are attempt budgets.
func New(limit int, policy RetryPolicy) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	return &Scheduler{
		units:  make(map[string]*unit),
		sem:    make(chan struct{}, limit),
		policy: policy,
	}
}

// Schedule launches tracking for the given ID and returns true, or returns
// false without side effects if the ID is already in-flight or completed.
// The hook may be nil. The context is passed through to every attempt of the
// work function; cancelling it cuts backoff sleeps short and fails the unit.
func (s *Scheduler) Schedule(ctx context.Context, id string, work WorkFunc, hook CompletionHook) bool {
	if id == "" || work == nil {
		return false
	}

	s.mu.Lock()
	if _, seen := s.units[id]; seen {
		s.mu.Unlock()
		return false
	}

	u := &unit{
		id:   id,
		done: make(chan struct{}),
	}
	s.units[id] = u
	s.mu.Unlock()

	go s.run(ctx, u, work, hook)

	return true
}

// run drives one unit through its attempts to a terminal state.
// The semaphore permit is held only for the duration of a single attempt,
// never across a backoff sleep.
func (s *Scheduler) run(ctx context.Context, u *unit, work WorkFunc, hook CompletionHook) {
	var lastErr error

	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		s.sem <- struct{}{}
		err := s.runAttempt(ctx, work)
		<-s.sem

		if err == nil {
			s.finish(u, attempt, nil, hook)
			return
		}
		lastErr = err

		log.Printf("[Scheduler] Unit %s attempt %d/%d failed: %v", u.id, attempt, s.policy.Attempts, err)

		if attempt == s.policy.Attempts {
			break
		}

		// Exponential backoff: Backoff * 2^(attempt-1).
		delay := s.policy.Backoff << (attempt - 1)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				s.finish(u, attempt, fmt.Errorf("unit %s cancelled during backoff: %w (last attempt error: %v)", u.id, ctx.Err(), lastErr), hook)
				return
			}
		}
	}

	s.finish(u, s.policy.Attempts, lastErr, hook)
}

// runAttempt executes one try of the work function, converting panics into
// errors so a buggy unit cannot take down the scheduler loop.
func (s *Scheduler) runAttempt(ctx context.Context, work WorkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// finish records the terminal state, invokes the completion hook, and only
// then closes the unit's done channel. Waiters must not observe the unit as
// finished while its hook is still running; callers rely on hook side effects
// (busy-key release, mirrored event logs) being visible once WaitForAll
// returns.
func (s *Scheduler) finish(u *unit, attempts int, err error, hook CompletionHook) {
	s.mu.Lock()
	u.attempts = attempts
	u.err = err
	if err == nil {
		u.state = unitSucceeded
	} else {
		u.state = unitFailed
	}
	s.mu.Unlock()

	if hook != nil {
		s.invokeHook(u.id, hook, err == nil, err)
	}
	close(u.done)
}

// invokeHook runs a completion hook defensively: a hook panic degrades to a
// logged warning, never aborting the unit of work or the scheduler loop.
func (s *Scheduler) invokeHook(id string, hook CompletionHook, success bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] Warning: completion hook for unit %s panicked: %v", id, r)
		}
	}()
	hook(success, err)
}

// WaitForAll blocks until every tracked unit, including ones scheduled while
// waiting, reaches a terminal state and has run its completion hook. A unit's
// done channel closes strictly after its hook returns, so waiting on the
// channels rather than the state field covers the hook too.
func (s *Scheduler) WaitForAll() {
	for {
		s.mu.Lock()
		var pending []chan struct{}
		for _, u := range s.units {
			select {
			case <-u.done:
			default:
				pending = append(pending, u.done)
			}
		}
		s.mu.Unlock()

		if len(pending) == 0 {
			return
		}
		for _, done := range pending {
			<-done
		}
	}
}

// InFlight returns the number of units that have not reached a terminal state.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.units {
		if u.state == unitInFlight {
			n++
		}
	}
	return n
}

// Attempts returns the recorded attempt count for an ID: the successful try
// for completed units, the full budget for failed ones, 0 while in flight or
// if the ID was never scheduled.
func (s *Scheduler) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok || u.state == unitInFlight {
		return 0
	}
	return u.attempts
}

// Err returns the retained terminal error for an ID, or nil if the unit
// succeeded, is still in flight, or was never scheduled.
func (s *Scheduler) Err(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return nil
	}
	return u.err
}

// Seen reports whether the ID has ever been scheduled on this scheduler.
func (s *Scheduler) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.units[id]
	return ok
}
