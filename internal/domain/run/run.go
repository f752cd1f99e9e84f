// Package run contains the flow-run aggregate: one requested execution of an
// upstream flow, payment-gated and driven through a linear lifecycle with a
// deadline.
package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by the aggregate and its repositories.
var (
	// ErrNotFound indicates the requested run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrTerminal indicates a mutation was attempted on a run that already
	// reached a terminal state.
	ErrTerminal = errors.New("run is in a terminal state")
)

// Run coordinates one requested execution of an upstream flow. It is mutated
// only by the orchestrator (single writer per run) and never deleted, so the
// record remains available for audit and payment reconciliation.
type Run struct {
	id          uuid.UUID
	flowKey     string
	flowPath    string
	flowName    string
	inputs      map[string]any
	purchaserID string

	status Status

	// upstreamRunID is assigned once the run is launched on the upstream
	// platform.
	upstreamRunID string

	// paymentID and paymentResponse are assigned once a payment request is
	// created. The full response snapshot carries enough data to settle the
	// payment later without re-deriving it.
	paymentID       string
	paymentResponse json.RawMessage

	result       json.RawMessage
	events       []Event
	errorMessage string

	timeoutAt time.Time

	// settledAt records when the payment was settled against the delivered
	// result. Zero until settlement succeeds.
	settledAt time.Time

	timeline *Timeline
}

// NewRun creates a Run in PENDING_PAYMENT for the given flow and inputs.
func NewRun(id uuid.UUID, flowKey, flowPath, flowName string, inputs map[string]any, purchaserID string) *Run {
	return &Run{
		id:          id,
		flowKey:     flowKey,
		flowPath:    flowPath,
		flowName:    flowName,
		inputs:      inputs,
		purchaserID: purchaserID,
		status:      StatusPendingPayment,
		timeline:    NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructRun creates a Run from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructRun(
	id uuid.UUID,
	flowKey, flowPath, flowName string,
	inputs map[string]any,
	purchaserID string,
	status Status,
	upstreamRunID string,
	paymentID string,
	paymentResponse json.RawMessage,
	result json.RawMessage,
	events []Event,
	errorMessage string,
	timeoutAt time.Time,
	settledAt time.Time,
	timeline *Timeline,
) *Run {
	return &Run{
		id:              id,
		flowKey:         flowKey,
		flowPath:        flowPath,
		flowName:        flowName,
		inputs:          inputs,
		purchaserID:     purchaserID,
		status:          status,
		upstreamRunID:   upstreamRunID,
		paymentID:       paymentID,
		paymentResponse: paymentResponse,
		result:          result,
		events:          events,
		errorMessage:    errorMessage,
		timeoutAt:       timeoutAt,
		settledAt:       settledAt,
		timeline:        timeline,
	}
}

// ID returns the run's unique identifier.
func (r *Run) ID() uuid.UUID { return r.id }

// FlowKey returns the registry key of the flow this run executes.
func (r *Run) FlowKey() string { return r.flowKey }

// FlowPath returns the upstream path of the flow.
func (r *Run) FlowPath() string { return r.flowPath }

// FlowName returns the human-readable flow name.
func (r *Run) FlowName() string { return r.flowName }

// Inputs returns the caller-supplied input mapping. Immutable after creation.
func (r *Run) Inputs() map[string]any { return r.inputs }

// PurchaserID returns the purchaser-supplied identifier used for settlement.
func (r *Run) PurchaserID() string { return r.purchaserID }

// Status returns the run's current lifecycle state.
func (r *Run) Status() Status { return r.status }

// UpstreamRunID returns the identifier the upstream platform assigned at
// launch; empty before STARTING.
func (r *Run) UpstreamRunID() string { return r.upstreamRunID }

// PaymentID returns the blockchain identifier of the payment request.
func (r *Run) PaymentID() string { return r.paymentID }

// PaymentResponse returns the stored payment request snapshot.
func (r *Run) PaymentResponse() json.RawMessage { return r.paymentResponse }

// Result returns the output payload; set only on FINISHED.
func (r *Run) Result() json.RawMessage { return r.result }

// Events returns the ordered upstream event log.
func (r *Run) Events() []Event { return r.events }

// ErrorMessage returns the most recent failure message: the terminal reason
// on ERROR or TIMEOUT, or a transient poll failure note on an active run.
func (r *Run) ErrorMessage() string { return r.errorMessage }

// TimeoutAt returns the deadline past which the run's result can no longer
// be accepted for settlement. Zero when no payment deadline is attached yet.
func (r *Run) TimeoutAt() time.Time { return r.timeoutAt }

// SettledAt returns when the payment was settled; zero if not yet settled.
func (r *Run) SettledAt() time.Time { return r.settledAt }

// MarkSettled records a successful payment settlement.
func (r *Run) MarkSettled(at time.Time) {
	if r.settledAt.IsZero() {
		r.settledAt = at.UTC()
	}
}

// Timeline provides access to the run's timeline information.
func (r *Run) Timeline() *Timeline { return r.timeline }

// CallerStatus returns the externally visible state for callers polling
// this run.
func (r *Run) CallerStatus() CallerStatus { return r.status.CallerView() }

// AttachPayment records the created payment request: the blockchain
// identifier, the full response snapshot, and the derived deadline.
func (r *Run) AttachPayment(paymentID string, snapshot json.RawMessage, deadline time.Time) {
	r.paymentID = paymentID
	r.paymentResponse = snapshot
	r.extendDeadline(deadline)
	r.timeline.UpdateLastUpdate()
}

// extendDeadline moves the deadline forward. A deadline, once set, is never
// moved earlier.
func (r *Run) extendDeadline(deadline time.Time) {
	if deadline.After(r.timeoutAt) {
		r.timeoutAt = deadline
	}
}

// ConfirmPayment transitions the run to PAYMENT_CONFIRMED.
func (r *Run) ConfirmPayment() error {
	return r.transition(StatusPaymentConfirmed)
}

// MarkLaunched records the upstream run id and transitions to STARTING.
func (r *Run) MarkLaunched(upstreamRunID string) error {
	if upstreamRunID == "" {
		return fmt.Errorf("upstream run id must not be empty")
	}
	if err := r.transition(StatusStarting); err != nil {
		return err
	}
	r.upstreamRunID = upstreamRunID
	r.timeline.MarkStarted()
	return nil
}

// MarkRunning records the STARTING -> RUNNING edge observed upstream.
func (r *Run) MarkRunning() error {
	return r.transition(StatusRunning)
}

// Complete stores the result and transitions to FINISHED. A run never holds
// both a result and a terminal error message; any transient poll failure
// note is superseded by the result.
func (r *Run) Complete(result json.RawMessage) error {
	if err := r.transition(StatusFinished); err != nil {
		return err
	}
	r.result = result
	r.errorMessage = ""
	return nil
}

// Fail records the failure message and transitions to ERROR.
func (r *Run) Fail(message string) error {
	if len(r.result) != 0 {
		return fmt.Errorf("cannot fail run %s: result already recorded", r.id)
	}
	if err := r.transition(StatusError); err != nil {
		return err
	}
	if message == "" {
		message = "run failed"
	}
	r.errorMessage = message
	return nil
}

// NoteRefreshFailure records a poll failure on an active run so operators
// can see why it is not progressing. The state is unchanged; the note is
// replaced by later failures and cleared by the next successful poll.
func (r *Run) NoteRefreshFailure(message string) {
	if r.status.IsTerminal() || message == "" {
		return
	}
	r.errorMessage = message
	r.timeline.UpdateLastUpdate()
}

// ClearRefreshFailure removes a previously noted poll failure. Terminal
// runs keep their message.
func (r *Run) ClearRefreshFailure() {
	if r.status.IsTerminal() {
		return
	}
	r.errorMessage = ""
}

// MarkTimedOut transitions the run to TIMEOUT. A timed-out run must never be
// queried upstream again.
func (r *Run) MarkTimedOut() error {
	if err := r.transition(StatusTimeout); err != nil {
		return err
	}
	r.errorMessage = fmt.Sprintf("run exceeded its deadline of %s", r.timeoutAt.Format(time.RFC3339))
	return nil
}

// Cancel transitions the run to CANCELLED.
func (r *Run) Cancel() error {
	return r.transition(StatusCancelled)
}

// AppendEvents appends upstream-reported events past the already recorded
// prefix. The log is append-once: existing entries are never rewritten.
func (r *Run) AppendEvents(events []Event) {
	if len(events) <= len(r.events) {
		return
	}
	r.events = append(r.events, events[len(r.events):]...)
	r.timeline.UpdateLastUpdate()
}

func (r *Run) transition(target Status) error {
	if err := r.status.ValidateTransition(target); err != nil {
		if r.status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, r.status)
		}
		return err
	}
	if target.IsTerminal() {
		r.timeline.MarkCompleted()
	} else {
		r.timeline.UpdateLastUpdate()
	}
	r.status = target
	return nil
}
