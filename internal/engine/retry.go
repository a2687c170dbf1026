package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/adreel-io/adreel/internal/quota"
)

// DefaultStageTimeout bounds a single stage when none is configured.
const DefaultStageTimeout = 15 * time.Minute

// DefaultRetryMax is the default number of retries after the first attempt.
const DefaultRetryMax = 2

// RetryPolicy defines retry behaviour for transient provider errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the upstream video API's recommended backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  30 * time.Second,
		MaxDelay:   90 * time.Second,
	}
}

// PolicyFromAttempts converts a total attempt count into a policy.
func PolicyFromAttempts(attempts int, base, max time.Duration) *RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryPolicy{MaxRetries: attempts - 1, BaseDelay: base, MaxDelay: max}
}

// WithTimeout wraps a context with a per-stage timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < policy.MaxRetries {
			delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			var te *TransientError
			if errors.As(lastErr, &te) && te.RetryAfter > delay {
				delay = te.RetryAfter
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// calculateBackoff returns exponential backoff with jitter in [backoff/2, backoff].
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	half := backoff / 2
	return time.Duration(half + rand.Float64()*half)
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"rate limit",
	"too many requests",
	"429",
	"resource_exhausted",
	"quota",
	"service unavailable",
	"503",
	"internal server error",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
}

// IsTransientError reports whether err is worth retrying. Daily quota
// exhaustion is never transient, even though its message mentions quota.
func IsTransientError(err error) bool {
	if err == nil || IsQuotaExhausted(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsQuotaExhausted reports whether err signals a spent daily ceiling.
func IsQuotaExhausted(err error) bool {
	return quota.IsExhausted(err)
}
