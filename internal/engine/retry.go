package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// Classify buckets a step error. Only the engine's CANCELLED code reads as a
// cancellation; a raw context.Canceled is some inner call giving up and is
// transient like any other unrecognised error. Typed EngineErrors classify by
// code.
func Classify(err error) schema.Classification {
	if err == nil {
		return ""
	}

	if schema.IsCode(err, schema.ErrCodeCancelled) {
		return schema.ClassCancelled
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if ee.IsRetryable() {
			return schema.ClassTransient
		}
		return schema.ClassPermanent
	}

	// A step deadline is a timeout, not a shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return schema.ClassPermanent
		}
	}

	return schema.ClassTransient
}

var permanentPatterns = []string{
	"invalid parameter",
	"invalid selector",
	"assertion failed",
	"permission denied",
	"unsupported",
}

// classifyInScope classifies err against the scope the step ran in. The run
// is cancelled exactly when the scope is done; while it is live a
// cancellation reported by the step is its own failure and stays retryable.
func classifyInScope(scope context.Context, err error) schema.Classification {
	if scope.Err() != nil {
		return schema.ClassCancelled
	}
	if class := Classify(err); class != schema.ClassCancelled {
		return class
	}
	return schema.ClassTransient
}

// ResolveRetryPolicy returns the effective policy of a step: the step-level
// policy if present, else the workflow policy, with the retries count
// override applied on top.
func ResolveRetryPolicy(step *schema.StepDefinition, workflow schema.RetryPolicy) schema.RetryPolicy {
	policy := workflow
	if step.RetryPolicy != nil {
		policy = *step.RetryPolicy
	}
	if step.Retries != nil {
		policy.MaxRetries = *step.Retries
		policy.Enabled = *step.Retries > 0
	}
	return policy
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts (1-based) failed with the given classification.
func ShouldRetry(class schema.Classification, policy schema.RetryPolicy, attempt int) bool {
	return policy.Enabled && class == schema.ClassTransient && attempt <= policy.MaxRetries
}

// BackoffDelay is the wait before retry number attempt (1-based): linear is
// base*attempt, exponential is base*2^(attempt-1); maxDelay caps both.
func BackoffDelay(attempt int, policy schema.RetryPolicy) time.Duration {
	base := policy.BaseDelay.Std()
	if base <= 0 || attempt <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt)
	default:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if max := policy.MaxDelay.Std(); (max > 0 && delay >= max) || delay >= maxBackoff {
				break
			}
		}
	}

	if max := policy.MaxDelay.Std(); max > 0 && delay > max {
		delay = max
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// maxBackoff stops exponential growth before it can overflow.
const maxBackoff = 24 * time.Hour

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
