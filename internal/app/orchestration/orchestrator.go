// Package orchestration drives flow runs through the payment-gated
// lifecycle: payment request, on-chain confirmation, upstream launch,
// progress tracking, and settlement.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/catalog"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/kodosumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/masumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// ErrNotSellable indicates the flow exists upstream but is not configured
// for paid execution.
var ErrNotSellable = errors.New("flow is not configured for sale")

// upstreamClient is the slice of the platform client the orchestrator needs.
type upstreamClient interface {
	Launch(ctx context.Context, flowPath string, inputs map[string]any) (string, error)
	RunStatus(ctx context.Context, flowPath, upstreamRunID string) (*kodosumi.StatusDocument, error)
}

// paymentClient is the slice of the payment service client the orchestrator
// needs.
type paymentClient interface {
	CreatePaymentRequest(ctx context.Context, req masumi.PaymentRequest) (*masumi.PaymentDetails, error)
	CheckStatus(ctx context.Context, blockchainIdentifier string) (masumi.State, error)
	CompletePayment(ctx context.Context, blockchainIdentifier string, result []byte) error
}

// paymentWatcher delivers payment confirmations over per-run channels.
type paymentWatcher interface {
	Watch(blockchainIdentifier string) <-chan masumi.Confirmation
	Forget(blockchainIdentifier string)
}

// Orchestrator owns every run mutation. It is the single writer per run:
// the HTTP layer and the scheduler both funnel through it.
type Orchestrator struct {
	runs     run.Repository
	configs  flow.ConfigRepository
	catalog  *catalog.Service
	upstream upstreamClient
	payments paymentClient
	watcher  paymentWatcher
	network  run.Network

	logger *logger.Logger
	tracer trace.Tracer

	// baseCtx parents the confirmation goroutines so they outlive the
	// request that created their run but not the process.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	now func() time.Time
}

// NewOrchestrator wires the orchestrator. Call Start before use.
func NewOrchestrator(
	runs run.Repository,
	configs flow.ConfigRepository,
	cat *catalog.Service,
	upstream upstreamClient,
	payments paymentClient,
	watcher paymentWatcher,
	network run.Network,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		runs:     runs,
		configs:  configs,
		catalog:  cat,
		upstream: upstream,
		payments: payments,
		watcher:  watcher,
		network:  network,
		logger:   log.With("component", "orchestrator"),
		tracer:   tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start prepares the background context for confirmation handlers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
}

// Stop cancels in-flight confirmation handlers and waits for them.
func (o *Orchestrator) Stop() {
	if o.baseCancel != nil {
		o.baseCancel()
	}
	o.wg.Wait()
}

// CreateRun accepts a job for a sellable flow: it persists the run, creates
// the payment request, and registers for confirmation. The returned payment
// details are what the purchaser needs to lock funds.
func (o *Orchestrator) CreateRun(ctx context.Context, flowKey string, inputs map[string]any, purchaserID string) (*run.Run, *masumi.PaymentDetails, error) {
	ctx, span := o.tracer.Start(ctx, "orchestration.create_run",
		trace.WithAttributes(attribute.String("flow_key", flowKey)))
	defer span.End()

	f, err := o.catalog.Lookup(ctx, flowKey)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := o.configs.Get(ctx, flowKey)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return nil, nil, ErrNotSellable
		}
		return nil, nil, fmt.Errorf("loading flow config: %w", err)
	}
	if !cfg.Sellable() {
		return nil, nil, ErrNotSellable
	}

	r := run.NewRun(uuid.New(), f.Key, f.Path, f.Name, inputs, purchaserID)
	if err := o.runs.Create(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("persisting run: %w", err)
	}
	span.SetAttributes(attribute.String("run_id", r.ID().String()))

	details, err := o.payments.CreatePaymentRequest(ctx, masumi.PaymentRequest{
		AgentIdentifier:         cfg.AgentIdentifier,
		IdentifierFromPurchaser: purchaserID,
		InputData:               inputs,
	})
	if err != nil {
		// The run is already visible to the caller, so it fails explicitly
		// rather than lingering in PENDING_PAYMENT forever.
		o.failRun(ctx, r, fmt.Sprintf("payment request failed: %v", err))
		return nil, nil, fmt.Errorf("creating payment request: %w", err)
	}

	deadline := run.DeadlineFromPaymentTime(details.SubmitResultTime, o.network, o.now())
	r.AttachPayment(details.BlockchainIdentifier, details.Raw, deadline)
	if err := o.runs.Update(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("persisting payment details: %w", err)
	}

	o.watchPayment(r.ID(), details.BlockchainIdentifier)

	o.logger.Info(ctx, "run created",
		"run_id", r.ID().String(),
		"flow_key", flowKey,
		"blockchain_identifier", details.BlockchainIdentifier,
		"timeout_at", r.TimeoutAt())
	return r, details, nil
}

// GetRun loads a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	return o.runs.Get(ctx, id)
}

// CancelRun cancels a non-terminal run. The upstream execution, if any, is
// left to finish on its own; its outcome is simply no longer tracked.
func (o *Orchestrator) CancelRun(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	r, err := o.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.PaymentID() != "" {
		o.watcher.Forget(r.PaymentID())
	}
	if err := r.Cancel(); err != nil {
		return nil, err
	}
	if err := o.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("persisting cancellation: %w", err)
	}

	o.logger.Info(ctx, "run cancelled", "run_id", id.String())
	return r, nil
}

// watchPayment registers the payment with the watcher and spawns the handler
// that reacts to its single confirmation delivery.
func (o *Orchestrator) watchPayment(runID uuid.UUID, blockchainIdentifier string) {
	ch := o.watcher.Watch(blockchainIdentifier)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case <-o.baseCtx.Done():
		case conf := <-ch:
			o.handleConfirmation(o.baseCtx, runID, conf)
		}
	}()
}

// handleConfirmation applies a payment resolution to the run. Confirmations
// arriving after the run reached a terminal state are dropped.
func (o *Orchestrator) handleConfirmation(ctx context.Context, runID uuid.UUID, conf masumi.Confirmation) {
	ctx, span := o.tracer.Start(ctx, "orchestration.handle_confirmation",
		trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	r, err := o.runs.Get(ctx, runID)
	if err != nil {
		o.logger.Error(ctx, "confirmation for unknown run", "run_id", runID.String(), "error", err)
		return
	}
	if r.Status().IsTerminal() {
		return
	}

	if conf.Failed {
		o.failRun(ctx, r, fmt.Sprintf("payment failed on-chain: %s", conf.State))
		return
	}

	if err := r.ConfirmPayment(); err != nil {
		o.logger.Error(ctx, "cannot confirm payment", "run_id", runID.String(), "error", err)
		return
	}
	if err := o.runs.Update(ctx, r); err != nil {
		o.logger.Error(ctx, "persisting payment confirmation", "run_id", runID.String(), "error", err)
		return
	}

	o.logger.Info(ctx, "payment confirmed", "run_id", runID.String(), "state", string(conf.State))
	o.launch(ctx, r)
}

// launch starts the flow on the upstream platform. Input rejection and
// launch failure both terminate the run in ERROR; the payment stays
// unsettled and refunds are resolved out of band.
func (o *Orchestrator) launch(ctx context.Context, r *run.Run) {
	ctx, span := o.tracer.Start(ctx, "orchestration.launch",
		trace.WithAttributes(attribute.String("run_id", r.ID().String())))
	defer span.End()

	upstreamID, err := o.upstream.Launch(ctx, r.FlowPath(), r.Inputs())
	if err != nil {
		var verr *kodosumi.ErrValidation
		if errors.As(err, &verr) {
			o.failRun(ctx, r, fmt.Sprintf("inputs rejected by flow: %s", string(verr.Details)))
			return
		}
		o.failRun(ctx, r, fmt.Sprintf("launch failed: %v", err))
		return
	}

	if err := r.MarkLaunched(upstreamID); err != nil {
		o.logger.Error(ctx, "cannot mark run launched", "run_id", r.ID().String(), "error", err)
		return
	}
	if err := o.runs.Update(ctx, r); err != nil {
		o.logger.Error(ctx, "persisting launch", "run_id", r.ID().String(), "error", err)
		return
	}

	o.logger.Info(ctx, "run launched",
		"run_id", r.ID().String(),
		"upstream_run_id", upstreamID)
}

// Refresh advances one run a single step: deadline check first, then
// whatever the current state needs. Terminal runs are untouched, so the
// operation is idempotent and safe to call on any run at any time.
func (o *Orchestrator) Refresh(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestration.refresh",
		trace.WithAttributes(attribute.String("run_id", id.String())))
	defer span.End()

	r, err := o.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status().IsTerminal() {
		return r, nil
	}

	// Deadline wins over everything else. A timed-out run is never queried
	// upstream again.
	if !r.TimeoutAt().IsZero() && o.now().After(r.TimeoutAt()) {
		if r.PaymentID() != "" {
			o.watcher.Forget(r.PaymentID())
		}
		if err := r.MarkTimedOut(); err != nil {
			return nil, err
		}
		if err := o.runs.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("persisting timeout: %w", err)
		}
		o.logger.Info(ctx, "run timed out", "run_id", id.String(), "timeout_at", r.TimeoutAt())
		return r, nil
	}

	switch r.Status() {
	case run.StatusPendingPayment:
		if err := o.refreshPendingPayment(ctx, r); err != nil {
			o.recordRefreshFailure(ctx, r, err)
			return r, err
		}
		return r, nil
	case run.StatusPaymentConfirmed:
		// A confirmed run still unlaunched means the launch handler was lost,
		// typically across a restart.
		o.launch(ctx, r)
		return r, nil
	case run.StatusStarting, run.StatusRunning:
		if err := o.refreshUpstream(ctx, r); err != nil {
			o.recordRefreshFailure(ctx, r, err)
			return r, err
		}
		return r, nil
	}
	return r, nil
}

// recordRefreshFailure writes the poll failure onto the run so it is
// visible beyond the scheduler's logs. The run keeps its state; the next
// successful refresh clears the note.
func (o *Orchestrator) recordRefreshFailure(ctx context.Context, r *run.Run, cause error) {
	r.NoteRefreshFailure(cause.Error())
	if err := o.runs.Update(ctx, r); err != nil {
		o.logger.Error(ctx, "persisting refresh failure",
			"run_id", r.ID().String(), "error", err)
	}
}

// refreshPendingPayment polls the payment state directly. This backstops the
// watcher: a confirmation observed here is handled identically.
func (o *Orchestrator) refreshPendingPayment(ctx context.Context, r *run.Run) error {
	if r.PaymentID() == "" {
		// Payment creation was interrupted before the identifier was stored.
		// The run can never confirm.
		o.failRun(ctx, r, "payment request was never created")
		return nil
	}

	state, err := o.payments.CheckStatus(ctx, r.PaymentID())
	if err != nil {
		return fmt.Errorf("checking payment state: %w", err)
	}

	if r.ErrorMessage() != "" {
		r.ClearRefreshFailure()
		if err := o.runs.Update(ctx, r); err != nil {
			o.logger.Error(ctx, "clearing refresh failure", "run_id", r.ID().String(), "error", err)
		}
	}

	switch {
	case state.Confirmed():
		o.watcher.Forget(r.PaymentID())
		if err := r.ConfirmPayment(); err != nil {
			return err
		}
		if err := o.runs.Update(ctx, r); err != nil {
			return fmt.Errorf("persisting payment confirmation: %w", err)
		}
		o.logger.Info(ctx, "payment confirmed via poll", "run_id", r.ID().String())
		o.launch(ctx, r)
	case state.Failed():
		o.watcher.Forget(r.PaymentID())
		o.failRun(ctx, r, fmt.Sprintf("payment failed on-chain: %s", state))
	}
	return nil
}

// refreshUpstream queries the upstream status document and applies it.
func (o *Orchestrator) refreshUpstream(ctx context.Context, r *run.Run) error {
	doc, err := o.upstream.RunStatus(ctx, r.FlowPath(), r.UpstreamRunID())
	if err != nil {
		return fmt.Errorf("querying upstream status: %w", err)
	}

	r.ClearRefreshFailure()
	r.AppendEvents(doc.Events())

	switch doc.Phase() {
	case kodosumi.PhaseRunning:
		if r.Status() == run.StatusStarting {
			if err := r.MarkRunning(); err != nil {
				return err
			}
		}
	case kodosumi.PhaseFinished:
		result, ok := doc.FinalResult()
		if !ok {
			result = []byte("null")
		}
		if err := r.Complete(result); err != nil {
			return err
		}
		o.settle(ctx, r)
	case kodosumi.PhaseError:
		msg := run.LastErrorMessage(r.Events(), "upstream reported failure")
		if err := r.Fail(msg); err != nil {
			return err
		}
	}

	r.Timeline().UpdateLastUpdate()
	if err := o.runs.Update(ctx, r); err != nil {
		return fmt.Errorf("persisting refresh: %w", err)
	}
	return nil
}

// settle submits the result hash to release the locked funds. Settlement
// failure never un-finishes the run; it is logged for reconciliation and the
// run keeps an empty settled timestamp.
func (o *Orchestrator) settle(ctx context.Context, r *run.Run) {
	if r.PaymentID() == "" {
		return
	}

	if err := o.payments.CompletePayment(ctx, r.PaymentID(), r.Result()); err != nil {
		o.logger.Error(ctx, "payment settlement failed",
			"run_id", r.ID().String(),
			"blockchain_identifier", r.PaymentID(),
			"error", err)
		return
	}

	r.MarkSettled(o.now())
	o.logger.Info(ctx, "payment settled", "run_id", r.ID().String())
}

// failRun terminates the run in ERROR and persists, logging rather than
// surfacing persistence failures: callers already have the original error.
func (o *Orchestrator) failRun(ctx context.Context, r *run.Run, message string) {
	if err := r.Fail(message); err != nil {
		o.logger.Error(ctx, "cannot fail run", "run_id", r.ID().String(), "error", err)
		return
	}
	if err := o.runs.Update(ctx, r); err != nil {
		o.logger.Error(ctx, "persisting run failure", "run_id", r.ID().String(), "error", err)
		return
	}
	o.logger.Warn(ctx, "run failed", "run_id", r.ID().String(), "reason", message)
}

// ResumeMonitoring re-attaches in-flight runs after a restart: pending
// payments are re-registered with the watcher and confirmed-but-unlaunched
// runs are launched. A run whose flow is no longer deployed cannot make
// progress and fails here. STARTING and RUNNING runs need nothing else;
// the scheduler picks them up on its next cycle.
func (o *Orchestrator) ResumeMonitoring(ctx context.Context) error {
	active, err := o.runs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active runs: %w", err)
	}

	var pending, confirmed, orphaned int
	for _, r := range active {
		if _, err := o.catalog.Lookup(ctx, r.FlowKey()); err != nil {
			if errors.Is(err, flow.ErrNotFound) {
				if r.PaymentID() != "" {
					o.watcher.Forget(r.PaymentID())
				}
				o.failRun(ctx, r, fmt.Sprintf("flow %s is no longer deployed", r.FlowKey()))
				orphaned++
				continue
			}
			// A catalog outage is not the run's fault; keep monitoring.
			o.logger.Warn(ctx, "flow resolution failed during resume",
				"run_id", r.ID().String(), "flow_key", r.FlowKey(), "error", err)
		}

		switch r.Status() {
		case run.StatusPendingPayment:
			if r.PaymentID() != "" {
				o.watchPayment(r.ID(), r.PaymentID())
				pending++
			}
		case run.StatusPaymentConfirmed:
			o.launch(ctx, r)
			confirmed++
		}
	}

	o.logger.Info(ctx, "resumed monitoring",
		"active_runs", len(active),
		"pending_payments", pending,
		"relaunched", confirmed,
		"orphaned", orphaned)
	return nil
}
