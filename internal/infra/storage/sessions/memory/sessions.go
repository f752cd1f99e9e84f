// Package memory provides an in-memory session store for tests and local
// development.
package memory

import (
	"context"
	"sync"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/kodosumi"
)

var _ kodosumi.SessionStore = (*sessionStore)(nil)

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]kodosumi.Session
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]kodosumi.Session)}
}

func (s *sessionStore) Load(_ context.Context, serviceName string) (*kodosumi.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[serviceName]
	if !ok {
		return nil, kodosumi.ErrNoSession
	}
	out := sess
	return &out, nil
}

func (s *sessionStore) Save(_ context.Context, sess *kodosumi.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ServiceName] = *sess
	return nil
}

func (s *sessionStore) Delete(_ context.Context, serviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, serviceName)
	return nil
}
