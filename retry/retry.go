// Package retry wraps operations that may fail transiently. Only failures
// classified as connection errors are retried; every other kind surfaces
// immediately. The runner holds no state between calls and is safe to use
// concurrently for independent operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/bridgeflow/core"
)

// DefaultMaxRetries is the retry budget applied when a policy leaves it unset.
const DefaultMaxRetries = 3

// DefaultDelay is the fixed wait between attempts when a policy leaves it unset.
const DefaultDelay = time.Second

// Policy controls retry behavior for a single Run call.
type Policy struct {
	MaxRetries int           // additional attempts after the first (default 3)
	Delay      time.Duration // fixed wait between attempts (default 1s)
}

func normalize(policy Policy) Policy {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.MaxRetries == 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultDelay
	}
	return policy
}

// Run attempts op up to policy.MaxRetries+1 times. Connection failures wait
// policy.Delay and retry; any other failure propagates immediately. When the
// budget is exhausted, the last error is wrapped as an unknown failure with a
// generic recovery suggestion.
func Run[T any](ctx context.Context, name string, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	normalized := normalize(policy)

	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= normalized.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return zero, err
		}
		if attempt == normalized.MaxRetries+1 {
			break
		}

		timer := time.NewTimer(normalized.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, core.WrapUnknown(fmt.Sprintf("%s failed after %d attempts", name, normalized.MaxRetries+1), lastErr)
}
