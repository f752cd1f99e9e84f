// Package memory provides an in-memory run repository for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
)

// runStore provides a thread-safe in-memory implementation of run.Repository.
var _ run.Repository = (*runStore)(nil)

type runStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*run.Run
}

// NewRunStore creates an empty in-memory run repository.
func NewRunStore() *runStore {
	return &runStore{runs: make(map[uuid.UUID]*run.Run)}
}

func (s *runStore) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID()] = r
	return nil
}

func (s *runStore) Get(_ context.Context, id uuid.UUID) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, run.ErrNotFound
	}
	return r, nil
}

func (s *runStore) Update(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID()]; !ok {
		return run.ErrNotFound
	}
	s.runs[r.ID()] = r
	return nil
}

func (s *runStore) ListActive(_ context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*run.Run
	for _, r := range s.runs {
		if !r.Status().IsTerminal() {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *runStore) ListByStatus(_ context.Context, status run.Status) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*run.Run
	for _, r := range s.runs {
		if r.Status() == status {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(runs []*run.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Timeline().CreatedAt().Before(runs[j].Timeline().CreatedAt())
	})
}
