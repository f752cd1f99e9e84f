package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/masumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// scoredRun builds a RUNNING run with the given temporal shape for scoring.
func scoredRun(now time.Time, timeoutIn time.Duration, sinceUpdate, age time.Duration) *run.Run {
	var timeoutAt time.Time
	if timeoutIn > 0 {
		timeoutAt = now.Add(timeoutIn)
	}
	timeline := run.ReconstructTimeline(
		now.Add(-age),
		now.Add(-age),
		time.Time{},
		now.Add(-sinceUpdate),
	)
	return run.ReconstructRun(
		uuid.New(), "flow", "/flow", "Flow", nil, "p",
		run.StatusRunning, "up-1", "chain-1", nil, nil, nil, "",
		timeoutAt, time.Time{}, timeline,
	)
}

func TestPollScoreOrdering(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("closer deadlines score lower", func(t *testing.T) {
		t.Parallel()
		soon := scoredRun(now, 10*time.Minute, time.Minute, time.Hour)
		later := scoredRun(now, 5*time.Hour, time.Minute, time.Hour)
		assert.Less(t, pollScore(soon, now), pollScore(later, now))
	})

	t.Run("missing deadline sorts last", func(t *testing.T) {
		t.Parallel()
		bounded := scoredRun(now, 24*time.Hour, time.Minute, time.Minute)
		unbounded := scoredRun(now, 0, 10*time.Hour, 10*time.Hour)
		assert.Less(t, pollScore(bounded, now), pollScore(unbounded, now))
	})

	t.Run("staler runs score lower at equal urgency", func(t *testing.T) {
		t.Parallel()
		stale := scoredRun(now, time.Hour, 30*time.Minute, time.Hour)
		fresh := scoredRun(now, time.Hour, time.Minute, time.Hour)
		assert.Less(t, pollScore(stale, now), pollScore(fresh, now))
	})

	t.Run("expired deadlines clamp instead of going negative", func(t *testing.T) {
		t.Parallel()
		expired := scoredRun(now, time.Nanosecond, time.Minute, time.Hour)
		score := pollScore(expired, now.Add(time.Hour))
		almostDue := scoredRun(now, time.Minute, time.Minute, time.Hour)
		assert.LessOrEqual(t, score, pollScore(almostDue, now))
	})
}

func TestSchedulerCycleRefreshesActiveRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		ids = append(ids, f.createRun(t).ID())
	}
	f.payments.statusFn = func(context.Context, string) (masumi.State, error) {
		return masumi.StateFundsLocked, nil
	}

	s := NewScheduler(f.orch, f.runs, SchedulerConfig{
		Interval:   time.Hour,
		BatchSize:  3,
		BatchDelay: time.Millisecond,
		PollRate:   10_000,
	}, logger.Noop())

	s.cycle(context.Background())

	// Every pending run was polled, confirmed, and launched in one cycle.
	for _, id := range ids {
		r, err := f.runs.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, run.StatusStarting, r.Status(), "run %s not refreshed", id)
	}
}

func TestSchedulerCycleSkipsFailingRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	seq := 0
	f.payments.createFn = func(context.Context, masumi.PaymentRequest) (*masumi.PaymentDetails, error) {
		seq++
		d := defaultDetails()
		d.BlockchainIdentifier = fmt.Sprintf("chain-%d", seq)
		return d, nil
	}

	bad := f.createRun(t)
	good := f.createRun(t)

	f.payments.statusFn = func(_ context.Context, id string) (masumi.State, error) {
		if id == bad.PaymentID() {
			return masumi.StatePending, assert.AnError
		}
		return masumi.StateFundsLocked, nil
	}

	s := NewScheduler(f.orch, f.runs, SchedulerConfig{
		Interval:   time.Hour,
		BatchSize:  5,
		BatchDelay: time.Millisecond,
		PollRate:   10_000,
	}, logger.Noop())

	s.cycle(context.Background())

	// The failing refresh is logged and skipped; the healthy run advances.
	r, err := f.runs.Get(context.Background(), good.ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusStarting, r.Status())

	r, err = f.runs.Get(context.Background(), bad.ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusPendingPayment, r.Status())
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := NewScheduler(f.orch, f.runs, SchedulerConfig{
		Interval: 10 * time.Millisecond,
		PollRate: 10_000,
	}, logger.Noop())

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case <-s.done:
	default:
		t.Fatal("scheduler loop still running after Stop")
	}
}
