package orchestration

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// SchedulerConfig tunes the polling cycle.
type SchedulerConfig struct {
	// Interval is the sleep between polling cycles. The full interval is
	// slept after each cycle completes, so a slow cycle lowers the effective
	// cadence rather than stacking work.
	Interval time.Duration

	// BatchSize is how many runs are refreshed concurrently.
	BatchSize int

	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration

	// PollRate caps refresh operations per second across all batches, so the
	// scheduler's upstream traffic stays bounded regardless of how many runs
	// are active.
	PollRate float64
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = 2 * time.Second
	}
	if c.PollRate <= 0 {
		c.PollRate = 1
	}
	return c
}

// Scheduler periodically refreshes every active run, most deserving first.
// It exists so run progress does not depend on anyone polling the HTTP API.
type Scheduler struct {
	orch    *Orchestrator
	runs    run.Repository
	limiter *common.RateLimiter
	logger  *logger.Logger
	cfg     SchedulerConfig

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewScheduler creates a scheduler over the given orchestrator.
func NewScheduler(orch *Orchestrator, runs run.Repository, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		orch:    orch,
		runs:    runs,
		limiter: common.NewRateLimiter(cfg.PollRate, cfg.BatchSize),
		logger:  log.With("component", "poll_scheduler"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the polling loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		for {
			s.cycle(ctx)

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Interval):
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle to drain.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// cycle refreshes all active runs once, in priority order, in rate-bounded
// concurrent batches. Individual refresh failures are logged and skipped;
// one stuck run never stalls the rest.
func (s *Scheduler) cycle(ctx context.Context) {
	active, err := s.runs.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, "listing active runs", "error", err)
		return
	}
	if len(active) == 0 {
		return
	}

	now := s.now()
	sort.SliceStable(active, func(i, j int) bool {
		return pollScore(active[i], now) < pollScore(active[j], now)
	})

	s.logger.Debug(ctx, "polling cycle start", "active_runs", len(active))

	var refreshed, failed atomic.Int64

	for start := 0; start < len(active); start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}

		end := start + s.cfg.BatchSize
		if end > len(active) {
			end = len(active)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, r := range active[start:end] {
			g.Go(func() error {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
				if _, err := s.orch.Refresh(gctx, r.ID()); err != nil {
					failed.Add(1)
					s.logger.Warn(gctx, "refresh failed",
						"run_id", r.ID().String(),
						"status", r.Status().String(),
						"error", err)
					return nil
				}
				refreshed.Add(1)
				return nil
			})
		}
		// Only context cancellation propagates; refresh errors were handled
		// per run above.
		if err := g.Wait(); err != nil {
			return
		}

		if end < len(active) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.BatchDelay):
			}
		}
	}

	s.logger.Info(ctx, "polling cycle complete",
		"active_runs", len(active),
		"refreshed", refreshed.Load(),
		"failed", failed.Load())
}

// pollScore orders runs for refresh: lower scores go first. Urgency (time
// left before the deadline) dominates, then staleness (time since the last
// observed update), then age.
func pollScore(r *run.Run, now time.Time) float64 {
	const noDeadline = 1e9 // sorts after any real deadline

	urgency := noDeadline
	if !r.TimeoutAt().IsZero() {
		urgency = r.TimeoutAt().Sub(now).Minutes()
		if urgency < 0 {
			urgency = 0
		}
	}

	// Negative: the longer a run has gone without an update, the earlier it
	// is refreshed.
	staleness := -now.Sub(r.Timeline().LastUpdate()).Minutes()

	age := now.Sub(r.Timeline().CreatedAt()).Minutes()

	return urgency*10 + staleness*2 + age
}
