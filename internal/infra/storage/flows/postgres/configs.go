// Package postgres provides the PostgreSQL-backed flow configuration
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage"
)

var _ flow.ConfigRepository = (*configStore)(nil)

type configStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewConfigStore creates a PostgreSQL-backed flow configuration repository.
func NewConfigStore(pool *pgxpool.Pool, tracer trace.Tracer) *configStore {
	return &configStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Get loads the configuration for a flow key.
func (s *configStore) Get(ctx context.Context, flowKey string) (flow.Config, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("flow_key", flowKey))

	var cfg flow.Config
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_flow_config", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		err := s.db.QueryRow(ctx, `
			SELECT flow_key, agent_identifier, seller_vkey, enabled, flow_name, description
			FROM flow_configs WHERE flow_key = $1`, flowKey,
		).Scan(&cfg.FlowKey, &cfg.AgentIdentifier, &cfg.SellerVKey, &cfg.Enabled, &cfg.FlowName, &cfg.Description)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return flow.ErrNotFound
			}
			return fmt.Errorf("query flow config: %w", err)
		}
		return nil
	})
	if err != nil {
		return flow.Config{}, err
	}
	return cfg, nil
}

// Upsert creates or replaces the configuration for a flow key.
func (s *configStore) Upsert(ctx context.Context, cfg flow.Config) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("flow_key", cfg.FlowKey))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_flow_config", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO flow_configs (flow_key, agent_identifier, seller_vkey, enabled, flow_name, description, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (flow_key) DO UPDATE SET
				agent_identifier = EXCLUDED.agent_identifier,
				seller_vkey = EXCLUDED.seller_vkey,
				enabled = EXCLUDED.enabled,
				flow_name = EXCLUDED.flow_name,
				description = EXCLUDED.description,
				updated_at = NOW()`,
			cfg.FlowKey, cfg.AgentIdentifier, cfg.SellerVKey, cfg.Enabled, cfg.FlowName, cfg.Description,
		)
		if err != nil {
			return fmt.Errorf("upsert flow config: %w", err)
		}
		return nil
	})
}

// List returns all stored flow configurations.
func (s *configStore) List(ctx context.Context) ([]flow.Config, error) {
	var cfgs []flow.Config
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_flow_configs", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		rows, err := s.db.Query(ctx, `
			SELECT flow_key, agent_identifier, seller_vkey, enabled, flow_name, description
			FROM flow_configs ORDER BY flow_key ASC`)
		if err != nil {
			return fmt.Errorf("query flow configs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var cfg flow.Config
			if err := rows.Scan(&cfg.FlowKey, &cfg.AgentIdentifier, &cfg.SellerVKey, &cfg.Enabled, &cfg.FlowName, &cfg.Description); err != nil {
				return fmt.Errorf("scan flow config: %w", err)
			}
			cfgs = append(cfgs, cfg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return cfgs, nil
}

// SyncDiscovered upserts name and description for discovered flows, creating
// disabled configs for flows seen for the first time. Operator-set fields
// (agent identifier, seller key, enabled) are never touched.
func (s *configStore) SyncDiscovered(ctx context.Context, flows []flow.Flow) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("flow_count", len(flows)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.sync_discovered_flows", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, f := range flows {
			_, err := tx.Exec(ctx, `
				INSERT INTO flow_configs (flow_key, agent_identifier, seller_vkey, enabled, flow_name, description, updated_at)
				VALUES ($1, '', '', FALSE, $2, $3, NOW())
				ON CONFLICT (flow_key) DO UPDATE SET
					flow_name = EXCLUDED.flow_name,
					description = EXCLUDED.description,
					updated_at = NOW()`,
				f.Key, f.Name, f.Description,
			)
			if err != nil {
				return fmt.Errorf("sync flow %s: %w", f.Key, err)
			}
		}

		return tx.Commit(ctx)
	})
}
