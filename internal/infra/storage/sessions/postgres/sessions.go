// Package postgres provides the PostgreSQL-backed session store.
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

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/kodosumi"
)

var _ kodosumi.SessionStore = (*sessionStore)(nil)

type sessionStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSessionStore creates a PostgreSQL-backed session store.
func NewSessionStore(pool *pgxpool.Pool, tracer trace.Tracer) *sessionStore {
	return &sessionStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Load returns the stored session for the service, or kodosumi.ErrNoSession.
func (s *sessionStore) Load(ctx context.Context, serviceName string) (*kodosumi.Session, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("service_name", serviceName))

	var sess kodosumi.Session
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_session", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		err := s.db.QueryRow(ctx, `
			SELECT service_name, api_key, cookie_data, expires_at
			FROM auth_sessions WHERE service_name = $1`, serviceName,
		).Scan(&sess.ServiceName, &sess.APIKey, &sess.CookieData, &sess.ExpiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return kodosumi.ErrNoSession
			}
			return fmt.Errorf("query session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save creates or replaces the stored session for its service name.
func (s *sessionStore) Save(ctx context.Context, sess *kodosumi.Session) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("service_name", sess.ServiceName))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_session", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO auth_sessions (service_name, api_key, cookie_data, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (service_name) DO UPDATE SET
				api_key = EXCLUDED.api_key,
				cookie_data = EXCLUDED.cookie_data,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()`,
			sess.ServiceName, sess.APIKey, sess.CookieData, sess.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
}

// Delete removes the stored session for the service.
func (s *sessionStore) Delete(ctx context.Context, serviceName string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("service_name", serviceName))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_session", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		if _, err := s.db.Exec(ctx, `DELETE FROM auth_sessions WHERE service_name = $1`, serviceName); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}
