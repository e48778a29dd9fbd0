// Package retry runs storage operations with exponential backoff, retrying
// only faults that look transient.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, spreads concurrent retries apart
}

// DefaultConfig returns the defaults used for batch flushes:
// 3 retries starting at 100ms, doubling, capped at 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c *Config) next(delay time.Duration) time.Duration {
	m := c.Multiplier
	if m < 1 {
		m = 2
	}
	delay = time.Duration(float64(delay) * m)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func jitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	return time.Duration(float64(delay) + float64(delay)*factor*(rand.Float64()*2-1))
}

// Do executes fn until it succeeds or MaxRetries is exhausted, returning the
// last error. Waits are cut short by ctx.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	return do(ctx, cfg, fn, func(error) bool { return true })
}

// DoIfRetryable is Do, except that errors IsRetryable rejects are returned at once.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	return do(ctx, cfg, fn, IsRetryable)
}

// DoWithResult is DoIfRetryable for functions returning a value.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	err := DoIfRetryable(ctx, cfg, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func do(ctx context.Context, cfg *Config, fn func() error, retryable func(error) bool) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(jitter(delay, cfg.JitterFactor)):
			delay = cfg.next(delay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// RetryableError lets an error declare its own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// transientPatterns match driver messages of faults that usually clear up.
var transientPatterns = []string{
	// sqlite
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"busy",
	// postgres SQLSTATE classes: serialization failure, deadlock, too many connections, admin shutdown
	"40001",
	"40p01",
	"53300",
	"57p01",
	"deadlock",
	"could not serialize",
	// network
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timed out",
	"timeout",
	"too many connections",
	"temporary failure",
	"network is unreachable",
}

// IsRetryable reports whether err looks transient. Cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
