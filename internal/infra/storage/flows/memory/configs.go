// Package memory provides an in-memory flow configuration repository for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
)

var _ flow.ConfigRepository = (*configStore)(nil)

type configStore struct {
	mu      sync.RWMutex
	configs map[string]flow.Config
}

// NewConfigStore creates an empty in-memory flow configuration repository.
func NewConfigStore() *configStore {
	return &configStore{configs: make(map[string]flow.Config)}
}

func (s *configStore) Get(_ context.Context, flowKey string) (flow.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[flowKey]
	if !ok {
		return flow.Config{}, flow.ErrNotFound
	}
	return cfg, nil
}

func (s *configStore) Upsert(_ context.Context, cfg flow.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.FlowKey] = cfg
	return nil
}

func (s *configStore) List(_ context.Context) ([]flow.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]flow.Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowKey < out[j].FlowKey })
	return out, nil
}

func (s *configStore) SyncDiscovered(_ context.Context, flows []flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range flows {
		cfg, ok := s.configs[f.Key]
		if !ok {
			cfg = flow.Config{FlowKey: f.Key}
		}
		cfg.FlowName = f.Name
		cfg.Description = f.Description
		s.configs[f.Key] = cfg
	}
	return nil
}
