package run

import "fmt"

// Status represents the current state of a flow run. It tracks the lifecycle
// from payment request through upstream execution to completion or failure.
type Status string

const (
	// StatusPendingPayment indicates a run was created and is waiting for its
	// payment to be confirmed on the payment service.
	StatusPendingPayment Status = "PENDING_PAYMENT"

	// StatusPaymentConfirmed indicates the payment cleared and the run is
	// about to be launched upstream.
	StatusPaymentConfirmed Status = "PAYMENT_CONFIRMED"

	// StatusStarting indicates the run was launched on the upstream platform
	// but has not been observed running yet.
	StatusStarting Status = "STARTING"

	// StatusRunning indicates the upstream platform reported the run as
	// actively executing.
	StatusRunning Status = "RUNNING"

	// StatusFinished indicates the run completed successfully and its result
	// was captured.
	StatusFinished Status = "FINISHED"

	// StatusError indicates the run failed, either upstream or locally.
	StatusError Status = "ERROR"

	// StatusCancelled indicates the run was cancelled before completion.
	StatusCancelled Status = "CANCELLED"

	// StatusTimeout indicates the run exceeded its payment deadline before
	// producing a result.
	StatusTimeout Status = "TIMEOUT"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPendingPayment, StatusPaymentConfirmed, StatusStarting,
		StatusRunning, StatusFinished, StatusError, StatusCancelled, StatusTimeout:
		return Status(s)
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid run status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the run lifecycle rules. Any non-terminal state
// may fail with ERROR, time out, or be cancelled; forward progress is strictly
// PENDING_PAYMENT -> PAYMENT_CONFIRMED -> STARTING -> RUNNING -> FINISHED.
func (s Status) isValidTransition(target Status) bool {
	if s.IsTerminal() {
		return false
	}

	switch target {
	case StatusError, StatusTimeout, StatusCancelled:
		return true
	}

	switch s {
	case StatusPendingPayment:
		return target == StatusPaymentConfirmed
	case StatusPaymentConfirmed:
		return target == StatusStarting
	case StatusStarting:
		return target == StatusRunning || target == StatusFinished
	case StatusRunning:
		return target == StatusFinished
	default:
		return false
	}
}

// CallerStatus is the externally visible job state reported to callers
// polling a run. Internal recovery and retries are collapsed into the four
// MIP-003 states.
type CallerStatus string

const (
	CallerStatusAwaitingPayment CallerStatus = "awaiting_payment"
	CallerStatusRunning         CallerStatus = "running"
	CallerStatusCompleted       CallerStatus = "completed"
	CallerStatusFailed          CallerStatus = "failed"
)

// CallerView maps an internal status to the caller-visible status.
func (s Status) CallerView() CallerStatus {
	switch s {
	case StatusPendingPayment:
		return CallerStatusAwaitingPayment
	case StatusPaymentConfirmed, StatusStarting, StatusRunning:
		return CallerStatusRunning
	case StatusFinished:
		return CallerStatusCompleted
	default:
		return CallerStatusFailed
	}
}
