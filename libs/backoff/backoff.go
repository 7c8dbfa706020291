// Package backoff executes operations under a retry policy, delegating
// the decision of whether an error is worth retrying to the caller.
package backoff

import (
	"context"
	"time"

	"github.com/quillpay/platform/libs/backoff/retrypolicy"
)

// Operation is the unit of work to execute with retry
type Operation func() (interface{}, error)

// IsRetriable reports whether a failed attempt should be retried
type IsRetriable func(error) bool

// RetryFunc matches the signature of Retry so callers can inject a
// stub in tests
type RetryFunc func(ctx context.Context, operation Operation, policy retrypolicy.Retry, retriable IsRetriable) (interface{}, error)

// Retry runs the operation until it succeeds, the error is not
// retriable, the policy is exhausted, or the context is cancelled.
// Delays between attempts are interruptible by the context.
func Retry(ctx context.Context, operation Operation, policy retrypolicy.Retry, retriable IsRetriable) (interface{}, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, err := operation()
		if err == nil {
			return response, nil
		}
		if !retriable(err) {
			return nil, err
		}

		delay := policy.CalculateNextDelay()
		if delay == retrypolicy.Done {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
