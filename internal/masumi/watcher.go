package masumi

import (
	"context"
	"sync"
	"time"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// Confirmation is delivered exactly once per watched payment: either the
// payment reached a confirmed state, or it reached a state from which it can
// never confirm.
type Confirmation struct {
	BlockchainIdentifier string
	State                State
	// Failed is set when the payment terminally failed instead of confirming.
	Failed bool
}

// Watcher polls the payment service and delivers confirmations over per-run
// channels, so the orchestrator blocks on a channel receive instead of
// polling the service itself.
type Watcher struct {
	client   *Client
	logger   *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	watches map[string]chan Confirmation

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(client *Client, log *logger.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		client:   client,
		logger:   log.With("component", "payment_watcher"),
		interval: interval,
		watches:  make(map[string]chan Confirmation),
	}
}

// Start launches the polling loop. It returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to drain.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Watch registers a payment and returns the channel its confirmation will be
// delivered on. The channel is buffered; the watcher never blocks on a slow
// receiver. Watching the same identifier twice returns the same channel.
func (w *Watcher) Watch(blockchainIdentifier string) <-chan Confirmation {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ch, ok := w.watches[blockchainIdentifier]; ok {
		return ch
	}
	ch := make(chan Confirmation, 1)
	w.watches[blockchainIdentifier] = ch
	return ch
}

// Forget removes a watch without delivering anything, for runs that were
// cancelled or timed out while awaiting payment.
func (w *Watcher) Forget(blockchainIdentifier string) {
	w.mu.Lock()
	delete(w.watches, blockchainIdentifier)
	w.mu.Unlock()
}

// sweep checks every registered payment once. Resolved watches are removed
// before delivery so a payment is never reported twice.
func (w *Watcher) sweep(ctx context.Context) {
	w.mu.Lock()
	pending := make(map[string]chan Confirmation, len(w.watches))
	for id, ch := range w.watches {
		pending[id] = ch
	}
	w.mu.Unlock()

	for id, ch := range pending {
		state, err := w.client.CheckStatus(ctx, id)
		if err != nil {
			// Transient; the next sweep retries.
			w.logger.Warn(ctx, "payment status check failed", "blockchain_identifier", id, "error", err)
			continue
		}

		switch {
		case state.Confirmed():
			w.resolve(ctx, id, ch, Confirmation{BlockchainIdentifier: id, State: state})
		case state.Failed():
			w.resolve(ctx, id, ch, Confirmation{BlockchainIdentifier: id, State: state, Failed: true})
		}
	}
}

func (w *Watcher) resolve(ctx context.Context, id string, ch chan Confirmation, conf Confirmation) {
	w.mu.Lock()
	delete(w.watches, id)
	w.mu.Unlock()

	select {
	case ch <- conf:
	default:
	}

	w.logger.Info(ctx, "payment resolved",
		"blockchain_identifier", id,
		"state", string(conf.State),
		"failed", conf.Failed)
}
