package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// It helps prevent overwhelming downstream services by controlling request rates
// while allowing runtime adjustments based on service conditions.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size. The burst parameter controls how many requests can be made at once
// to accommodate temporary spikes in traffic.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
// This allows adapting to changing conditions like server load or API quotas at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// WindowLimiter admits at most maxCalls calls per rolling window. Unlike
// RateLimiter it tracks the actual call history, so callers never observe
// more than maxCalls calls within any window of the configured length. The
// window is recomputed on every acquire rather than on fixed ticks.
type WindowLimiter struct {
	maxCalls int
	window   time.Duration

	mu    sync.Mutex // Protects the call history
	calls []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindowLimiter creates a WindowLimiter admitting maxCalls calls per
// rolling window.
func NewWindowLimiter(maxCalls int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Acquire blocks until a call slot is free or the context is canceled.
func (wl *WindowLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := wl.tryAcquire()
		if ok {
			return nil
		}
		if err := wl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire records a call if a slot is free. Otherwise it returns the time
// until the oldest call ages out of the window.
func (wl *WindowLimiter) tryAcquire() (time.Duration, bool) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := wl.now()
	cutoff := now.Add(-wl.window)

	kept := wl.calls[:0]
	for _, t := range wl.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	wl.calls = kept

	if len(wl.calls) >= wl.maxCalls {
		oldest := wl.calls[0]
		return wl.window - now.Sub(oldest), false
	}

	wl.calls = append(wl.calls, now)
	return 0, true
}

// InFlight returns the number of calls currently counted against the window.
func (wl *WindowLimiter) InFlight() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	cutoff := wl.now().Add(-wl.window)
	n := 0
	for _, t := range wl.calls {
		if t.After(cutoff) {
			n++
		}
	}
	return n
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
