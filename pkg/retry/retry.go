// Package retry wraps transient-failure-prone calls, primarily the snapshot
// download, with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// MaxAttempts. The error after exhaustion wraps the last failure.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// statusCoder is implemented by errors carrying an HTTP response status.
type statusCoder interface {
	StatusCode() int
}

// IsRetryable reports whether err looks transient. Validation and modeling
// errors never are; network timeouts and upstream 429/5xx responses are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"connection reset", "connection closed", "broken pipe", "eof", "timeout", "temporary failure"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// backoff doubles per attempt up to the cap, with jitter in [0.5, 1.0) of
// the computed value to spread concurrent retries.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseBackoff << uint(attempt-1)
	if d > cfg.MaxBackoff || d <= 0 {
		d = cfg.MaxBackoff
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}
