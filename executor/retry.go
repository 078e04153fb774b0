package executor

import (
	"math/rand"
	"time"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/model"
)

// ShouldRetry decides whether a failed step invocation gets another
// attempt, combining the error-classification table (only Transient and
// Retryable classes are ever retried) with the step's own CanRetry
// predicate and the effective RetryPolicy's MaxRetries. retry_count
// resets to zero on every successor, so the check is always against the
// count accumulated on the CURRENT pointer.
func ShouldRetry(err error, retryCount int, policy model.RetryPolicy, body StepBody) bool {
	if err == nil {
		return false
	}
	if !werrors.IsRetryableClass(err) {
		return false
	}
	if !body.CanRetry(err) {
		return false
	}
	return retryCount < policy.MaxRetries
}

// computeBackoff calculates the delay before the next retry attempt:
// BaseDelay doubled retryCount times, capped at MaxDelay (default 5
// minutes). The delay is deterministic; rng is not drawn from.
func computeBackoff(retryCount int, policy model.RetryPolicy, rng *rand.Rand) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	exp := base
	for i := 0; i < retryCount && exp < maxDelay; i++ {
		exp *= 2
	}
	if exp > maxDelay {
		exp = maxDelay
	}
	return exp
}

// NextRetryTime returns the absolute time a failed pointer becomes
// runnable again, per P7's "exponential backoff capped at 5 minutes".
func NextRetryTime(now time.Time, retryCount int, policy model.RetryPolicy, rng *rand.Rand) time.Time {
	return now.Add(computeBackoff(retryCount, policy, rng))
}
