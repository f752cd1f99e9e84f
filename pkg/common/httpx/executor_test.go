package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

func newTestExecutor(t *testing.T, retry RetryConfig) (*Executor, *[]time.Duration) {
	t.Helper()

	e := NewExecutor(common.NewWindowLimiter(10_000, time.Minute), retry, logger.Noop())

	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func response(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestDoReturnsFirstSuccessImmediately(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	resp, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusOK, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoRetriesServerErrorsWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	resp, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls < 3 {
			return response(http.StatusBadGateway, nil), nil
		}
		return response(http.StatusOK, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2)
	assert.Equal(t, time.Second, (*delays)[0])
	assert.Equal(t, 2*time.Second, (*delays)[1])
}

func TestDoExhaustsRetriesAndReturnsLastError(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	_, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusInternalServerError, nil), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Len(t, *delays, 2)
}

func TestDoHonorsRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	resp, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls == 1 {
			h := http.Header{}
			h.Set("Retry-After", "7")
			return response(http.StatusTooManyRequests, h), nil
		}
		return response(http.StatusOK, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, *delays, 1)
	assert.Equal(t, 7*time.Second, (*delays)[0], "server delay replaces the computed backoff")
}

func TestDoFallsBackWhenRetryAfterIsMissing(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	_, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, nil), nil
		}
		return response(http.StatusOK, nil), nil
	})
	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.Equal(t, 5*time.Second, (*delays)[0])
}

func TestDoPassesClientErrorsThrough(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	calls := 0
	resp, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusUnauthorized, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, calls, "auth failures are the caller's problem, not retried")
	assert.Empty(t, *delays)
}

func TestDoRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(t, RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})

	boom := errors.New("connection refused")
	calls := 0
	resp, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return response(http.StatusOK, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestDoCapsBackoffAtMaxDelay(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, RetryConfig{MaxRetries: 4, BaseDelay: 10 * time.Second, MaxDelay: 15 * time.Second, Multiplier: 2})

	calls := 0
	_, err := e.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusServiceUnavailable, nil), nil
	})
	require.Error(t, err)
	require.Len(t, *delays, 4)
	for i, d := range *delays {
		assert.LessOrEqual(t, d, 15*time.Second, "delay %d exceeds the cap", i)
	}
}
