// Package catalog maintains the bridge's view of upstream flows: a cached
// listing of what is deployed, merged with the per-flow payment
// configuration that decides what is sellable.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

const defaultCacheTTL = 5 * time.Minute

// upstreamCatalog is the slice of the platform client the catalog needs.
type upstreamCatalog interface {
	ListFlows(ctx context.Context) ([]flow.Flow, error)
	FlowSchema(ctx context.Context, flowPath string) (json.RawMessage, error)
	ForceReconnect(ctx context.Context) error
}

// Service serves flow lookups from a TTL cache over the upstream listing.
// Concurrent cache misses coalesce into a single upstream fetch.
type Service struct {
	upstream upstreamCatalog
	configs  flow.ConfigRepository
	logger   *logger.Logger
	tracer   trace.Tracer
	ttl      time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	flows     []flow.Flow
	byKey     map[string]flow.Flow
	fetchedAt time.Time

	now func() time.Time
}

// NewService creates the catalog. A non-positive ttl selects the default.
func NewService(upstream upstreamCatalog, configs flow.ConfigRepository, log *logger.Logger, tracer trace.Tracer, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		upstream: upstream,
		configs:  configs,
		logger:   log.With("component", "catalog"),
		tracer:   tracer,
		ttl:      ttl,
		byKey:    make(map[string]flow.Flow),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Flows returns the deployed flows, refreshing the cache when stale.
func (s *Service) Flows(ctx context.Context) ([]flow.Flow, error) {
	s.mu.RLock()
	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.ttl {
		out := make([]flow.Flow, len(s.flows))
		copy(out, s.flows)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	return s.refresh(ctx)
}

// Lookup resolves one flow by key, refreshing the cache on a miss in case
// the flow was deployed after the last fetch.
func (s *Service) Lookup(ctx context.Context, flowKey string) (flow.Flow, error) {
	s.mu.RLock()
	f, ok := s.byKey[flowKey]
	fresh := !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.ttl
	s.mu.RUnlock()

	if ok && fresh {
		return f, nil
	}

	if _, err := s.refresh(ctx); err != nil {
		// A stale hit beats an error when the upstream is down.
		if ok {
			return f, nil
		}
		return flow.Flow{}, err
	}

	s.mu.RLock()
	f, ok = s.byKey[flowKey]
	s.mu.RUnlock()
	if !ok {
		return flow.Flow{}, flow.ErrNotFound
	}
	return f, nil
}

// Schema fetches the input schema for one flow.
func (s *Service) Schema(ctx context.Context, flowKey string) (json.RawMessage, error) {
	f, err := s.Lookup(ctx, flowKey)
	if err != nil {
		return nil, err
	}
	return s.upstream.FlowSchema(ctx, f.Path)
}

// Refresh forces a cache refresh regardless of age.
func (s *Service) Refresh(ctx context.Context) ([]flow.Flow, error) {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return s.refresh(ctx)
}

// refresh fetches the listing at most once across concurrent callers. A
// failed fetch forces a reconnect and tries once more: listing failures are
// overwhelmingly session failures in practice.
func (s *Service) refresh(ctx context.Context) ([]flow.Flow, error) {
	v, err, _ := s.group.Do("flows", func() (any, error) {
		ctx, span := s.tracer.Start(ctx, "catalog.refresh")
		defer span.End()

		flows, err := s.upstream.ListFlows(ctx)
		if err != nil {
			s.logger.Warn(ctx, "flow listing failed, forcing reconnect", "error", err)
			if rcErr := s.upstream.ForceReconnect(ctx); rcErr != nil {
				return nil, fmt.Errorf("listing flows: %w (reconnect also failed: %v)", err, rcErr)
			}
			if flows, err = s.upstream.ListFlows(ctx); err != nil {
				return nil, fmt.Errorf("listing flows after reconnect: %w", err)
			}
		}

		if err := s.configs.SyncDiscovered(ctx, flows); err != nil {
			s.logger.Warn(ctx, "failed to sync discovered flows", "error", err)
		}

		byKey := make(map[string]flow.Flow, len(flows))
		for _, f := range flows {
			byKey[f.Key] = f
		}

		s.mu.Lock()
		s.flows = flows
		s.byKey = byKey
		s.fetchedAt = s.now()
		s.mu.Unlock()

		s.logger.Info(ctx, "flow catalog refreshed", "flow_count", len(flows))
		return flows, nil
	})
	if err != nil {
		return nil, err
	}

	flows := v.([]flow.Flow)
	out := make([]flow.Flow, len(flows))
	copy(out, flows)
	return out, nil
}

// Sellable returns the flows that are both deployed and configured for sale.
func (s *Service) Sellable(ctx context.Context) ([]flow.Flow, error) {
	flows, err := s.Flows(ctx)
	if err != nil {
		return nil, err
	}

	cfgs, err := s.configs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading flow configs: %w", err)
	}
	sellable := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if c.Sellable() {
			sellable[c.FlowKey] = true
		}
	}

	out := flows[:0:0]
	for _, f := range flows {
		if sellable[f.Key] {
			out = append(out, f)
		}
	}
	return out, nil
}
