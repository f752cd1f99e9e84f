// Package httpx provides the rate-limited, retrying request executor that
// all outbound HTTP calls funnel through.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// RetryConfig controls the exponential backoff applied to failed calls.
// Attempt i (0-indexed) waits min(BaseDelay * Multiplier^i, MaxDelay) before
// retrying, up to MaxRetries additional attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig matches the conservative upstream profile.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
	}
}

// Operation performs one outbound HTTP call.
type Operation func(ctx context.Context) (*http.Response, error)

// Executor wraps outbound HTTP calls with a rolling-window rate limiter and
// exponential-backoff retry. It is stateless aside from the limiter's call
// history and has no knowledge of jobs or sessions.
type Executor struct {
	limiter *common.WindowLimiter
	retry   RetryConfig
	logger  *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor with the given limiter and retry profile.
func NewExecutor(limiter *common.WindowLimiter, retry RetryConfig, log *logger.Logger) *Executor {
	return &Executor{
		limiter: limiter,
		retry:   retry,
		logger:  log.With("component", "http_executor"),
		sleep:   sleepCtx,
	}
}

// retryAfterError marks a 429 response whose Retry-After value replaces the
// computed backoff delay for the next attempt.
type retryAfterError struct {
	status int
	wait   time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited by server: %d (retry after %s)", e.status, e.wait)
}

// statusError marks a retriable server-side failure.
type statusError struct{ status int }

func (e *statusError) Error() string { return fmt.Sprintf("server error: %d", e.status) }

// Do executes op under the rate limiter, retrying transport errors, 5xx and
// 429 responses with exponential backoff. A 429 honors the server's
// Retry-After value instead of the computed delay. Exhausting retries
// returns the last failure. Responses with non-retriable statuses (including
// 4xx auth failures) are returned to the caller untouched.
func (e *Executor) Do(ctx context.Context, op Operation) (*http.Response, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.retry.BaseDelay
	expBackoff.MaxInterval = e.retry.MaxDelay
	expBackoff.Multiplier = e.retry.Multiplier
	expBackoff.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time
	expBackoff.RandomizationFactor = 0
	expBackoff.Reset()

	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		resp, err := e.attempt(ctx, op)
		if err == nil {
			if attempt > 0 {
				e.logger.Info(ctx, "request succeeded after retry", "attempts", attempt)
			}
			return resp, nil
		}
		lastErr = err

		if attempt == e.retry.MaxRetries {
			e.logger.Error(ctx, "all retry attempts exhausted",
				"attempts", attempt+1, "final_error", err.Error())
			return nil, lastErr
		}

		delay := expBackoff.NextBackOff()
		if ra, ok := err.(*retryAfterError); ok {
			delay = ra.wait
		}

		e.logger.Warn(ctx, "request failed, retrying with backoff",
			"attempt", attempt+1,
			"max_attempts", e.retry.MaxRetries+1,
			"delay", delay.String(),
			"error", err.Error())

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt performs one call and classifies the outcome.
func (e *Executor) attempt(ctx context.Context, op Operation) (*http.Response, error) {
	r, err := op(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case r.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(r)
		drain(r)
		return nil, &retryAfterError{status: r.StatusCode, wait: wait}

	case r.StatusCode >= http.StatusInternalServerError:
		drain(r)
		return nil, &statusError{status: r.StatusCode}
	}

	return r, nil
}

func retryAfter(r *http.Response) time.Duration {
	const fallback = 5 * time.Second

	v := r.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

func drain(r *http.Response) {
	io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
	r.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
