package run

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for flow runs. Implementations
// must make single-row updates atomic; the orchestrator is the only writer
// per run, so no cross-run locking is required.
type Repository interface {
	// Create persists a new run. It fails if the id already exists.
	Create(ctx context.Context, r *Run) error

	// Get loads a run by id, returning ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// Update persists the run's current state over the stored row.
	Update(ctx context.Context, r *Run) error

	// ListActive returns all non-terminal runs, including PENDING_PAYMENT
	// runs awaiting settlement visibility.
	ListActive(ctx context.Context) ([]*Run, error)

	// ListByStatus returns all runs currently in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Run, error)
}
