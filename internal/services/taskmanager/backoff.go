package taskmanager

import (
	"errors"
	"math/rand"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
)

// Decision is the retry engine's verdict on a failed attempt.
type Decision int

const (
	// DecisionRetry reschedules the job into the delayed set.
	DecisionRetry Decision = iota
	// DecisionFail parks the job in the failed set without consuming the
	// remaining retries; produced only by permanent handler errors.
	DecisionFail
	// DecisionDead is terminal: retries exhausted.
	DecisionDead
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionFail:
		return "fail"
	case DecisionDead:
		return "dead"
	default:
		return "unknown"
	}
}

// RetryPolicy is the per-queue retry tuning handed to Decide.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
	Backoff    string        // common.BackoffFixed or common.BackoffExponential
	MaxDelay   time.Duration // ceiling, 10 min when zero
	Jitter     bool          // add up to 20% random spread
}

// PolicyFromQueueConfig builds a RetryPolicy from queue tuning.
func PolicyFromQueueConfig(q common.QueueConfig, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: q.MaxRetries,
		RetryDelay: time.Duration(q.RetryDelayMS) * time.Millisecond,
		Backoff:    q.Backoff,
		MaxDelay:   maxDelay,
		Jitter:     true,
	}
}

// Decide is a pure function of the attempt count and policy. attempts is the
// number of executions already attempted, counted from 1. permanent short-
// circuits to DecisionFail (non-retriable handler error) unless the attempt
// budget is already exhausted; an exhausted job is dead no matter what failed
// it, so it can never re-enter the queue past its budget via retry-failed.
func Decide(attempts int, policy RetryPolicy, permanent bool) (Decision, time.Duration) {
	if attempts >= policy.MaxRetries+1 {
		return DecisionDead, 0
	}
	if permanent {
		return DecisionFail, 0
	}

	delay := DelayForAttempt(policy, attempts)
	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
	}
	return DecisionRetry, delay
}

// DelayForAttempt returns the base backoff delay after the given attempt,
// without jitter: retry_delay for fixed, retry_delay doubled per prior
// attempt for exponential, clamped to the ceiling either way.
func DelayForAttempt(policy RetryPolicy, attempts int) time.Duration {
	delay := policy.RetryDelay
	if policy.Backoff == common.BackoffExponential && attempts > 1 {
		for i := 1; i < attempts; i++ {
			delay *= 2
			if delay > maxDelayOrDefault(policy) {
				break
			}
		}
	}
	if max := maxDelayOrDefault(policy); delay > max {
		delay = max
	}
	return delay
}

func maxDelayOrDefault(policy RetryPolicy) time.Duration {
	if policy.MaxDelay > 0 {
		return policy.MaxDelay
	}
	return 10 * time.Minute
}

// permanentError wraps a handler error to mark it non-retriable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retriable: the job goes to the
// failed set instead of being rescheduled, and can be requeued via
// retry-failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
