// Package retry provides a generic bounded-retry-with-backoff executor.
//
// An operation is attempted at most Limit+1 times. Between attempts the
// executor waits with exponential backoff, starting at InitialWait and
// capped at MaxWait. A classifier decides per failure whether the error is
// worth retrying; fatal errors short-circuit immediately regardless of the
// remaining budget.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the retry loop.
type Policy struct {
	// Limit is the maximum number of retries (attempts = Limit+1)
	Limit int

	// InitialWait is the wait before the first retry
	InitialWait time.Duration

	// MaxWait caps the growing wait between retries
	MaxWait time.Duration
}

// Class is the retryability classification of a failure.
type Class int

const (
	// Retryable failures consume retry budget
	Retryable Class = iota

	// Fatal failures short-circuit the loop immediately
	Fatal
)

// Classifier maps an operation error to its retryability class.
// A nil classifier treats every failure as retryable.
type Classifier func(error) Class

// Observer is invoked before every retry wait with the failure, the attempt
// number just completed (1-based), the retry limit, and the upcoming wait.
// It is purely observational and must not affect control flow.
type Observer func(err error, attempt, limit int, wait time.Duration)

// ExhaustedError reports that the retry budget was spent.
// It wraps the error of the final attempt.
type ExhaustedError struct {
	// Attempts is the total number of attempts made
	Attempts int

	// Err is the failure of the last attempt
	Err error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: giving up after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// FatalError reports that a failure was classified as non-retryable.
type FatalError struct {
	// Err is the non-retryable failure
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("retry: non-retryable: %v", e.Err)
}

// Unwrap returns the non-retryable failure.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Do runs op under the given policy, returning its result on the first success.
//
// Failures classified Fatal return a *FatalError immediately. Retryable
// failures are retried until the budget is spent, after which a
// *ExhaustedError wrapping the last failure is returned. If ctx is cancelled
// while waiting between attempts, the wait aborts and ctx.Err() is returned.
func Do[T any](ctx context.Context, policy Policy, classify Classifier, observe Observer, op func() (T, error)) (T, error) {
	var zero T

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialWait
	b.MaxInterval = policy.MaxWait
	b.MaxElapsedTime = 0
	// Waits must never decrease across attempts, so no jitter.
	b.RandomizationFactor = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}

		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}

		if classify != nil && classify(err) == Fatal {
			return zero, &FatalError{Err: err}
		}

		if attempt > policy.Limit {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}
		if wait > policy.MaxWait && policy.MaxWait > 0 {
			wait = policy.MaxWait
		}

		if observe != nil {
			observe(err, attempt, policy.Limit, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
