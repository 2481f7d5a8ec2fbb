package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policyForTest(limit int) Policy {
	return Policy{
		Limit:       limit,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), policyForTest(3), nil, nil, func() (string, error) {
		attempts++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), policyForTest(5), nil, nil, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

// With retry limit N and an always-failing retryable operation,
// exactly N+1 attempts occur before giving up.
func TestDo_BudgetExactness(t *testing.T) {
	tests := []struct {
		name  string
		limit int
	}{
		{name: "zero retries", limit: 0},
		{name: "three retries", limit: 3},
		{name: "ten retries", limit: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			boom := errors.New("boom")
			_, err := Do(context.Background(), policyForTest(tt.limit), nil, nil, func() (struct{}, error) {
				attempts++
				return struct{}{}, boom
			})
			require.Error(t, err)

			var exhausted *ExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, tt.limit+1, attempts)
			assert.Equal(t, tt.limit+1, exhausted.Attempts)
			assert.ErrorIs(t, err, boom)
		})
	}
}

// A fatal-classified error triggers immediate give-up with zero additional
// attempts, regardless of remaining budget.
func TestDo_FatalShortCircuit(t *testing.T) {
	fatal := errors.New("403 forbidden")
	attempts := 0

	classify := func(err error) Class {
		if errors.Is(err, fatal) {
			return Fatal
		}
		return Retryable
	}

	_, err := Do(context.Background(), policyForTest(10), classify, nil, func() (struct{}, error) {
		attempts++
		return struct{}{}, fatal
	})
	require.Error(t, err)

	var nonRetryable *FatalError
	require.ErrorAs(t, err, &nonRetryable)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, fatal)
}

func TestDo_ObserverSeesEveryRetry(t *testing.T) {
	type event struct {
		attempt int
		limit   int
		wait    time.Duration
	}
	var events []event

	observe := func(err error, attempt, limit int, wait time.Duration) {
		events = append(events, event{attempt: attempt, limit: limit, wait: wait})
	}

	_, err := Do(context.Background(), policyForTest(3), nil, observe, func() (struct{}, error) {
		return struct{}{}, errors.New("transient")
	})
	require.Error(t, err)

	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.attempt)
		assert.Equal(t, 3, ev.limit)
		assert.Positive(t, ev.wait)
	}
	// Waits never decrease across attempts.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].wait, events[i-1].wait)
	}
}

func TestDo_WaitsNeverExceedMax(t *testing.T) {
	policy := Policy{Limit: 6, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	var waits []time.Duration

	observe := func(err error, attempt, limit int, wait time.Duration) {
		waits = append(waits, wait)
	}

	_, err := Do(context.Background(), policy, nil, observe, func() (struct{}, error) {
		return struct{}{}, errors.New("transient")
	})
	require.Error(t, err)

	require.Len(t, waits, 6)
	for _, w := range waits {
		assert.LessOrEqual(t, w, policy.MaxWait)
	}
}

func TestDo_CancellationAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := Policy{Limit: 5, InitialWait: time.Hour, MaxWait: time.Hour}
	attempts := 0

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, policy, nil, nil, func() (struct{}, error) {
			attempts++
			return struct{}{}, errors.New("transient")
		})
		done <- err
	}()

	// Let the first attempt fail and the executor enter its wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not abort on cancellation")
	}
}
