package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScheduleIdempotentIDs verifies re-scheduling a seen ID returns false and
// never re-invokes the work function.
func TestScheduleIdempotentIDs(t *testing.T) {
	s := New(2, RetryPolicy{Attempts: 1})

	var calls int32
	work := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.True(t, s.Schedule(context.Background(), "unit-1", work, nil))
	assert.False(t, s.Schedule(context.Background(), "unit-1", work, nil), "in-flight or completed ID must be rejected")

	s.WaitForAll()

	// Terminal IDs stay rejected for the scheduler's lifetime.
	assert.False(t, s.Schedule(context.Background(), "unit-1", work, nil))
	s.WaitForAll()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, s.Seen("unit-1"))
}

// TestScheduleRejectsEmptyInput verifies malformed schedule calls have no side effects.
func TestScheduleRejectsEmptyInput(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 1})

	assert.False(t, s.Schedule(context.Background(), "", func(ctx context.Context) error { return nil }, nil))
	assert.False(t, s.Schedule(context.Background(), "no-work", nil, nil))
	assert.False(t, s.Seen("no-work"))
}

// TestConcurrencyCeiling verifies no more than N units execute their body
// simultaneously under a mix of successes and retries.
func TestConcurrencyCeiling(t *testing.T) {
	const limit = 3
	s := New(limit, RetryPolicy{Attempts: 2, Backoff: time.Millisecond})

	var current, peak int32
	var failOnce sync.Map

	work := func(id string) WorkFunc {
		return func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)

			// Half the units fail their first attempt.
			if _, failed := failOnce.LoadOrStore(id, true); !failed && id[len(id)-1]%2 == 0 {
				return errors.New("transient")
			}
			return nil
		}
	}

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("unit-%d", i)
		require.True(t, s.Schedule(context.Background(), id, work(id), nil))
	}

	s.WaitForAll()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit), "concurrency ceiling exceeded")
	assert.Equal(t, 0, s.InFlight())
}

// TestRetryThenSuccess verifies a unit failing attempts-1 times then
// succeeding is reported successful with the attempt count of the winning try.
func TestRetryThenSuccess(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 3, Backoff: time.Millisecond})

	var tries int32
	work := func(ctx context.Context) error {
		if atomic.AddInt32(&tries, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}

	hookDone := make(chan struct{})
	var hookSuccess bool
	var hookErr error

	require.True(t, s.Schedule(context.Background(), "flaky", work, func(success bool, err error) {
		hookSuccess = success
		hookErr = err
		close(hookDone)
	}))

	s.WaitForAll()
	<-hookDone

	assert.True(t, hookSuccess)
	assert.NoError(t, hookErr)
	assert.Equal(t, 3, s.Attempts("flaky"))
	assert.NoError(t, s.Err("flaky"))
}

// TestRetryExhaustion verifies the error is retained and the hook sees (false, err).
func TestRetryExhaustion(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 2, Backoff: time.Millisecond})

	wantErr := errors.New("permanently broken")
	hookDone := make(chan struct{})
	var hookSuccess bool
	var hookErr error

	require.True(t, s.Schedule(context.Background(), "doomed", func(ctx context.Context) error {
		return wantErr
	}, func(success bool, err error) {
		hookSuccess = success
		hookErr = err
		close(hookDone)
	}))

	s.WaitForAll()
	<-hookDone

	assert.False(t, hookSuccess)
	assert.ErrorIs(t, hookErr, wantErr)
	assert.Equal(t, 2, s.Attempts("doomed"))
	assert.ErrorIs(t, s.Err("doomed"), wantErr)
}

// TestBackoffDoubles verifies the sleep between attempts grows as
// backoff * 2^(attempt-1).
func TestBackoffDoubles(t *testing.T) {
	const backoff = 20 * time.Millisecond
	s := New(1, RetryPolicy{Attempts: 3, Backoff: backoff})

	var stamps []time.Time
	var mu sync.Mutex

	require.True(t, s.Schedule(context.Background(), "timed", func(ctx context.Context) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return errors.New("transient")
	}, nil))

	s.WaitForAll()

	require.Len(t, stamps, 3)
	// First gap >= backoff, second gap >= 2*backoff. Upper bounds are not
	// asserted to keep the test robust on loaded machines.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), backoff)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 2*backoff)
}

// TestHookPanicIsSwallowed verifies a hook panic degrades to a log line and
// other units keep running.
func TestHookPanicIsSwallowed(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 1})

	require.True(t, s.Schedule(context.Background(), "angry-hook", func(ctx context.Context) error {
		return nil
	}, func(success bool, err error) {
		panic("hook bug")
	}))

	require.True(t, s.Schedule(context.Background(), "bystander", func(ctx context.Context) error {
		return nil
	}, nil))

	s.WaitForAll()

	assert.Equal(t, 0, s.InFlight())
	assert.NoError(t, s.Err("angry-hook"))
}

// TestWorkPanicBecomesError verifies a panicking work function is treated as a
// failed attempt rather than crashing the scheduler.
func TestWorkPanicBecomesError(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 1})

	require.True(t, s.Schedule(context.Background(), "panicky", func(ctx context.Context) error {
		panic("work bug")
	}, nil))

	s.WaitForAll()

	err := s.Err("panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work panicked")
}

// TestWaitForAllIncludesLateUnits verifies WaitForAll covers units scheduled
// while the wait is already in progress.
func TestWaitForAllIncludesLateUnits(t *testing.T) {
	s := New(2, RetryPolicy{Attempts: 1})

	var lateDone int32
	require.True(t, s.Schedule(context.Background(), "parent", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		s.Schedule(ctx, "late-child", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.StoreInt32(&lateDone, 1)
			return nil
		}, nil)
		return nil
	}, nil))

	s.WaitForAll()

	assert.Equal(t, int32(1), atomic.LoadInt32(&lateDone), "late-scheduled unit must be terminal before WaitForAll returns")
	assert.Equal(t, 0, s.InFlight())
}

// TestWaitForAllWaitsForHooks verifies WaitForAll does not return until every
// completion hook has finished, not merely until every unit is terminal.
// Callers observe hook side effects the moment the wait returns.
func TestWaitForAllWaitsForHooks(t *testing.T) {
	s := New(2, RetryPolicy{Attempts: 1})

	var hookFinished int32
	require.True(t, s.Schedule(context.Background(), "slow-hook", func(ctx context.Context) error {
		return nil
	}, func(success bool, err error) {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&hookFinished, 1)
	}))

	s.WaitForAll()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hookFinished), "WaitForAll returned before the completion hook finished")
}

// TestCancelledContextCutsBackoffShort verifies cancellation during backoff
// terminal-fails the unit instead of sleeping out the schedule.
func TestCancelledContextCutsBackoffShort(t *testing.T) {
	s := New(1, RetryPolicy{Attempts: 3, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, s.Schedule(ctx, "cancelled", func(ctx context.Context) error {
		return errors.New("transient")
	}, nil))

	time.Sleep(10 * time.Millisecond)
	cancel()
	s.WaitForAll()

	require.Error(t, s.Err("cancelled"))
	assert.Contains(t, s.Err("cancelled").Error(), "cancelled during backoff")
}
