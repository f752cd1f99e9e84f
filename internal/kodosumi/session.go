package kodosumi

import (
	"context"
	"errors"
	"time"
)

// ServiceName keys the single cached session record in storage.
const ServiceName = "kodosumi"

// ErrNoSession indicates no persisted session exists for the service.
var ErrNoSession = errors.New("no stored session")

// Session is the cached upstream credential: an opaque API key or a cookie
// set, plus its expiry. The API key wins when both are present; cookies are
// the legacy mechanism.
type Session struct {
	ServiceName string
	APIKey      string
	CookieData  string
	ExpiresAt   time.Time
}

// Usable reports whether the session carries a credential that has not
// expired.
func (s *Session) Usable(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.APIKey == "" && s.CookieData == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// SessionStore persists the cached session so a process restart need not
// re-authenticate while the session is still valid.
type SessionStore interface {
	// Load returns the stored session for the service, or ErrNoSession.
	Load(ctx context.Context, serviceName string) (*Session, error)

	// Save creates or replaces the stored session for its service name.
	Save(ctx context.Context, s *Session) error

	// Delete removes the stored session for the service.
	Delete(ctx context.Context, serviceName string) error
}
