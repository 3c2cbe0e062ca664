// Package resilience provides a retry-with-backoff helper reused by the
// distributed backend adapter for transient shared-store errors (spec §7:
// "distributed-store read failures are logged and the previous allocation
// snapshot is retained").
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryConfig configures how Retry classifies and backs off from a failure
// talking to the shared Redis store.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool

	// RetryOnTimeout covers i/o timeouts and a context deadline exceeded
	// while a command was in flight.
	RetryOnTimeout bool
	// RetryOnConnectionError covers the connection dropping mid-command:
	// refused, reset, broken pipe, unexpected EOF.
	RetryOnConnectionError bool
	// RetryOnTransientFailure covers Redis reporting it cannot serve the
	// command right now (loading a snapshot, busy running a script,
	// mid-resharding) without the connection itself being at fault.
	RetryOnTransientFailure bool
}

// StoreReadConfig is the retry policy the distributed backend applies to
// shared-store reads: connection resets and timeouts are worth a few quick
// retries, but a read that keeps failing should fall back to the caller's
// last-known allocation rather than block a heartbeat cycle.
func StoreReadConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:              3,
		BackoffBase:             20 * time.Millisecond,
		BackoffMax:              500 * time.Millisecond,
		Jitter:                  true,
		RetryOnTimeout:          true,
		RetryOnConnectionError:  true,
		RetryOnTransientFailure: true,
	}
}

// Retry executes fn with exponential backoff, retrying only the failure
// classes config opts into.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, config.BackoffBase, config.BackoffMax, config.Jitter)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableError(err, config) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff calculates exponential backoff with optional jitter.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max {
		backoff = max
	}

	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// isRetryableError classifies a store-call failure. A redis.Nil result (key
// not found) is never retried: it's a normal answer, not a store failure.
func isRetryableError(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}

	var netErr net.Error
	if config.RetryOnTimeout && (errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if config.RetryOnTimeout && strings.Contains(errStr, "timeout") {
		return true
	}

	if config.RetryOnConnectionError && (strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "use of closed network connection")) {
		return true
	}

	if config.RetryOnTransientFailure && (strings.Contains(errStr, "loading") ||
		strings.Contains(errStr, "busy") ||
		strings.Contains(errStr, "tryagain") ||
		strings.Contains(errStr, "clusterdown") ||
		strings.Contains(errStr, "masterdown")) {
		return true
	}

	return false
}
