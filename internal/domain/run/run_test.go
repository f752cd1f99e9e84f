package run

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(t *testing.T) *Run {
	t.Helper()
	return NewRun(uuid.New(), "crew_research", "/crew/research", "Research Crew",
		map[string]any{"topic": "go"}, "purchaser-1")
}

func TestNewRunStartsPendingPayment(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	assert.Equal(t, StatusPendingPayment, r.Status())
	assert.False(t, r.Status().IsTerminal())
	assert.True(t, r.TimeoutAt().IsZero())
	assert.False(t, r.Timeline().CreatedAt().IsZero())
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to confirmed", StatusPendingPayment, StatusPaymentConfirmed, false},
		{"confirmed to starting", StatusPaymentConfirmed, StatusStarting, false},
		{"starting to running", StatusStarting, StatusRunning, false},
		{"running to finished", StatusRunning, StatusFinished, false},
		{"pending to error", StatusPendingPayment, StatusError, false},
		{"running to timeout", StatusRunning, StatusTimeout, false},
		{"starting to cancelled", StatusStarting, StatusCancelled, false},
		{"pending to running skips confirmation", StatusPendingPayment, StatusRunning, true},
		{"confirmed to finished skips launch", StatusPaymentConfirmed, StatusFinished, true},
		{"finished to running", StatusFinished, StatusRunning, true},
		{"error to finished", StatusError, StatusFinished, true},
		{"timeout to running", StatusTimeout, StatusRunning, true},
		{"cancelled to error", StatusCancelled, StatusError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	deadline := time.Now().UTC().Add(24 * time.Hour)
	r.AttachPayment("chain-id-1", json.RawMessage(`{"data":{}}`), deadline)
	assert.Equal(t, "chain-id-1", r.PaymentID())
	assert.Equal(t, deadline, r.TimeoutAt())

	require.NoError(t, r.ConfirmPayment())
	require.NoError(t, r.MarkLaunched("upstream-123"))
	assert.Equal(t, StatusStarting, r.Status())
	assert.Equal(t, "upstream-123", r.UpstreamRunID())
	assert.False(t, r.Timeline().StartedAt().IsZero())

	require.NoError(t, r.MarkRunning())
	require.NoError(t, r.Complete(json.RawMessage(`{"answer":42}`)))
	assert.Equal(t, StatusFinished, r.Status())
	assert.True(t, r.Timeline().IsCompleted())
}

func TestMarkLaunchedRequiresUpstreamID(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	require.NoError(t, r.ConfirmPayment())
	assert.Error(t, r.MarkLaunched(""))
}

func TestResultAndErrorAreExclusive(t *testing.T) {
	t.Parallel()

	t.Run("cannot fail after result recorded", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		require.NoError(t, r.ConfirmPayment())
		require.NoError(t, r.MarkLaunched("up-1"))
		require.NoError(t, r.MarkRunning())
		require.NoError(t, r.Complete(json.RawMessage(`"done"`)))
		assert.Error(t, r.Fail("late failure"))
		assert.Empty(t, r.ErrorMessage())
	})

	t.Run("cannot complete after failure recorded", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		require.NoError(t, r.Fail("boom"))
		assert.Error(t, r.Complete(json.RawMessage(`"done"`)))
		assert.Empty(t, r.Result())
	})
}

func TestTerminalRunsRejectMutation(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	require.NoError(t, r.Cancel())

	assert.ErrorIs(t, r.ConfirmPayment(), ErrTerminal)
	assert.ErrorIs(t, r.Cancel(), ErrTerminal)
	assert.ErrorIs(t, r.MarkTimedOut(), ErrTerminal)
}

func TestDeadlineNeverMovesEarlier(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	later := time.Now().UTC().Add(24 * time.Hour)
	earlier := later.Add(-12 * time.Hour)

	r.AttachPayment("chain-1", nil, later)
	r.AttachPayment("chain-1", nil, earlier)
	assert.Equal(t, later, r.TimeoutAt(), "re-attaching must not shorten the deadline")

	evenLater := later.Add(time.Hour)
	r.AttachPayment("chain-1", nil, evenLater)
	assert.Equal(t, evenLater, r.TimeoutAt())
}

func TestAppendEventsIsAppendOnce(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	first := []Event{
		{Kind: "status", Message: "queued"},
		{Kind: "status", Message: "started"},
	}
	r.AppendEvents(first)
	require.Len(t, r.Events(), 2)

	// Re-delivering the same prefix with different content must not rewrite
	// recorded entries.
	mutated := []Event{
		{Kind: "status", Message: "rewritten"},
		{Kind: "status", Message: "rewritten"},
	}
	r.AppendEvents(mutated)
	assert.Len(t, r.Events(), 2)
	assert.Equal(t, "queued", r.Events()[0].Message)

	longer := append(first, Event{Kind: "error", Message: "failed step"})
	r.AppendEvents(longer)
	require.Len(t, r.Events(), 3)
	assert.Equal(t, "failed step", r.Events()[2].Message)
}

func TestMarkTimedOutRecordsMessage(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	r.AttachPayment("chain-1", nil, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, r.MarkTimedOut())
	assert.Equal(t, StatusTimeout, r.Status())
	assert.Contains(t, r.ErrorMessage(), "deadline")
}

func TestMarkSettledIsWriteOnce(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	first := time.Now().UTC()
	r.MarkSettled(first)
	r.MarkSettled(first.Add(time.Hour))
	assert.Equal(t, first, r.SettledAt())
}

func TestCallerView(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   CallerStatus
	}{
		{StatusPendingPayment, CallerStatusAwaitingPayment},
		{StatusPaymentConfirmed, CallerStatusRunning},
		{StatusStarting, CallerStatusRunning},
		{StatusRunning, CallerStatusRunning},
		{StatusFinished, CallerStatusCompleted},
		{StatusError, CallerStatusFailed},
		{StatusTimeout, CallerStatusFailed},
		{StatusCancelled, CallerStatusFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.CallerView(), "status %s", tt.status)
	}
}

func TestLastErrorMessage(t *testing.T) {
	t.Parallel()

	events := []Event{
		{Kind: "status", Message: "started"},
		{Kind: "error", Message: "first failure"},
		{Kind: "status", Message: "retrying"},
		{Kind: "error", Message: "second failure"},
	}
	assert.Equal(t, "second failure", LastErrorMessage(events, "fallback"))
	assert.Equal(t, "fallback", LastErrorMessage(nil, "fallback"))

	rawOnly := []Event{{Kind: "error", Raw: json.RawMessage(`{"detail":"raw failure"}`)}}
	assert.Equal(t, `{"detail":"raw failure"}`, LastErrorMessage(rawOnly, "fallback"))
}

func TestRefreshFailureNotesAreTransient(t *testing.T) {
	t.Parallel()

	t.Run("note keeps state and clears", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		require.NoError(t, r.ConfirmPayment())
		require.NoError(t, r.MarkLaunched("up-1"))

		r.NoteRefreshFailure("upstream unreachable")
		assert.Equal(t, StatusStarting, r.Status())
		assert.Equal(t, "upstream unreachable", r.ErrorMessage())

		r.ClearRefreshFailure()
		assert.Empty(t, r.ErrorMessage())
	})

	t.Run("completion supersedes a lingering note", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		require.NoError(t, r.ConfirmPayment())
		require.NoError(t, r.MarkLaunched("up-1"))
		require.NoError(t, r.MarkRunning())

		r.NoteRefreshFailure("one bad poll")
		require.NoError(t, r.Complete(json.RawMessage(`"done"`)))
		assert.Empty(t, r.ErrorMessage())
		assert.Equal(t, json.RawMessage(`"done"`), r.Result())
	})

	t.Run("terminal runs keep their message", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		require.NoError(t, r.Fail("boom"))

		r.NoteRefreshFailure("late poll failure")
		assert.Equal(t, "boom", r.ErrorMessage())

		r.ClearRefreshFailure()
		assert.Equal(t, "boom", r.ErrorMessage())
	})
}
