package apiclient

import (
	"context"
	crand "crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryState tracks one logical call's position in the retry schedule.
// It is a value: Next returns a new state and never mutates the receiver.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// NewRetryState returns the state for the first attempt.
func NewRetryState(maxAttempts int, baseDelay, maxDelay time.Duration, jitter bool) RetryState {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return RetryState{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Jitter:      jitter,
	}
}

// CanRetry reports whether another attempt is allowed after the current one.
func (s RetryState) CanRetry() bool {
	return s.Attempt < s.MaxAttempts
}

// Next returns the state for the following attempt.
func (s RetryState) Next() RetryState {
	s.Attempt++
	return s
}

// Delay returns the wait before the next attempt: BaseDelay * 2^Attempt,
// capped at MaxDelay. With Jitter the result is uniform in [0, delay).
func (s RetryState) Delay() time.Duration {
	base := s.BaseDelay
	if base <= 0 {
		return 0
	}

	attempt := s.Attempt
	// 2^20 already exceeds any sensible cap
	if attempt > 20 {
		attempt = 20
	}
	factor := time.Duration(1) << attempt

	var d time.Duration
	switch {
	case s.MaxDelay > 0 && base > s.MaxDelay/factor:
		d = s.MaxDelay
	case base > math.MaxInt64/factor:
		d = math.MaxInt64
	default:
		d = base * factor
	}

	if !s.Jitter || d <= 0 {
		return d
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64())
}

// delayWithRetryAfter stretches the backoff to honor a server Retry-After,
// still bounded by MaxDelay.
func (s RetryState) delayWithRetryAfter(retryAfter time.Duration) time.Duration {
	d := s.Delay()
	if retryAfter > d {
		d = retryAfter
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// parseRetryAfter reads a Retry-After header given either as seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
