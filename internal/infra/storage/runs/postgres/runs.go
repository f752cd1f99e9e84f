// Package postgres provides the PostgreSQL-backed run repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage"
)

// runStore implements run.Repository using PostgreSQL as the backing store.
// Runs are never deleted; the table is the audit trail for payment
// reconciliation.
var _ run.Repository = (*runStore)(nil)

type runStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewRunStore creates a PostgreSQL-backed run repository with tracing.
func NewRunStore(pool *pgxpool.Pool, tracer trace.Tracer) *runStore {
	return &runStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const runColumns = `id, flow_key, flow_path, flow_name, inputs, purchaser_id,
	status, upstream_run_id, payment_id, payment_response, result, events,
	error_message, timeout_at, settled_at, created_at, started_at, completed_at, last_update`

// Create persists a new run.
func (s *runStore) Create(ctx context.Context, r *run.Run) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", r.ID().String()),
		attribute.String("status", r.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_run", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		inputs, err := json.Marshal(r.Inputs())
		if err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
		events, err := json.Marshal(r.Events())
		if err != nil {
			return fmt.Errorf("marshal events: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO flow_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			r.ID(), r.FlowKey(), r.FlowPath(), r.FlowName(), inputs, r.PurchaserID(),
			r.Status().String(), nullStr(r.UpstreamRunID()), nullStr(r.PaymentID()),
			nullJSON(r.PaymentResponse()), nullJSON(r.Result()), events,
			nullStr(r.ErrorMessage()), nullTime(r.TimeoutAt()), nullTime(r.SettledAt()),
			r.Timeline().CreatedAt(), nullTime(r.Timeline().StartedAt()),
			nullTime(r.Timeline().CompletedAt()), r.Timeline().LastUpdate(),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// Get loads a run by id, returning run.ErrNotFound when absent.
func (s *runStore) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("run_id", id.String()))

	var r *run.Run
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_run", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE id = $1`, id)
		var err error
		r, err = scanRun(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Update persists the run's current state over the stored row.
func (s *runStore) Update(ctx context.Context, r *run.Run) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", r.ID().String()),
		attribute.String("status", r.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_run", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		events, err := json.Marshal(r.Events())
		if err != nil {
			return fmt.Errorf("marshal events: %w", err)
		}

		tag, err := s.db.Exec(ctx, `
			UPDATE flow_runs SET
				status = $2,
				upstream_run_id = $3,
				payment_id = $4,
				payment_response = $5,
				result = $6,
				events = $7,
				error_message = $8,
				timeout_at = $9,
				settled_at = $10,
				started_at = $11,
				completed_at = $12,
				last_update = $13
			WHERE id = $1`,
			r.ID(), r.Status().String(), nullStr(r.UpstreamRunID()), nullStr(r.PaymentID()),
			nullJSON(r.PaymentResponse()), nullJSON(r.Result()), events,
			nullStr(r.ErrorMessage()), nullTime(r.TimeoutAt()), nullTime(r.SettledAt()),
			nullTime(r.Timeline().StartedAt()), nullTime(r.Timeline().CompletedAt()),
			r.Timeline().LastUpdate(),
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return run.ErrNotFound
		}
		return nil
	})
}

// ListActive returns all non-terminal runs, oldest first.
func (s *runStore) ListActive(ctx context.Context) ([]*run.Run, error) {
	var runs []*run.Run
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_active_runs", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		rows, err := s.db.Query(ctx, `
			SELECT `+runColumns+` FROM flow_runs
			WHERE status NOT IN ('FINISHED', 'ERROR', 'CANCELLED', 'TIMEOUT')
			ORDER BY created_at ASC`)
		if err != nil {
			return fmt.Errorf("query active runs: %w", err)
		}
		defer rows.Close()

		runs, err = collectRuns(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListByStatus returns all runs currently in the given status, oldest first.
func (s *runStore) ListByStatus(ctx context.Context, status run.Status) ([]*run.Run, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("status", status.String()))

	var runs []*run.Run
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_runs_by_status", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		rows, err := s.db.Query(ctx, `
			SELECT `+runColumns+` FROM flow_runs
			WHERE status = $1
			ORDER BY created_at ASC`, status.String())
		if err != nil {
			return fmt.Errorf("query runs by status: %w", err)
		}
		defer rows.Close()

		runs, err = collectRuns(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// scanRun maps one row onto the domain aggregate.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		id                           uuid.UUID
		flowKey, flowPath, flowName  string
		inputsRaw, eventsRaw         []byte
		purchaserID, status          string
		upstreamRunID, paymentID     *string
		paymentResponse, result      []byte
		errorMessage                 *string
		timeoutAt, settledAt         *time.Time
		createdAt, lastUpdate        time.Time
		startedAt, completedAt       *time.Time
	)

	err := row.Scan(
		&id, &flowKey, &flowPath, &flowName, &inputsRaw, &purchaserID,
		&status, &upstreamRunID, &paymentID, &paymentResponse, &result, &eventsRaw,
		&errorMessage, &timeoutAt, &settledAt, &createdAt, &startedAt, &completedAt, &lastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, run.ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	var inputs map[string]any
	if len(inputsRaw) > 0 {
		if err := json.Unmarshal(inputsRaw, &inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	var events []run.Event
	if len(eventsRaw) > 0 {
		if err := json.Unmarshal(eventsRaw, &events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}

	timeline := run.ReconstructTimeline(createdAt, deref(startedAt), deref(completedAt), lastUpdate)

	return run.ReconstructRun(
		id, flowKey, flowPath, flowName, inputs, purchaserID,
		run.ParseStatus(status),
		derefStr(upstreamRunID), derefStr(paymentID),
		paymentResponse, result, events,
		derefStr(errorMessage),
		deref(timeoutAt), deref(settledAt),
		timeline,
	), nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
