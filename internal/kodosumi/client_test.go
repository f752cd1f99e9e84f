package kodosumi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/httpx"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// stubSessionStore keeps sessions in memory for client tests.
type stubSessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	saves    int
	deletes  int
}

func newStubSessionStore() *stubSessionStore {
	return &stubSessionStore{sessions: make(map[string]Session)}
}

func (s *stubSessionStore) Load(_ context.Context, name string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return nil, ErrNoSession
	}
	out := sess
	return &out, nil
}

func (s *stubSessionStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ServiceName] = *sess
	s.saves++
	return nil
}

func (s *stubSessionStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	s.deletes++
	return nil
}

func newTestClient(t *testing.T, baseURL string, store SessionStore) *Client {
	t.Helper()

	exec := httpx.NewExecutor(
		common.NewWindowLimiter(1000, time.Minute),
		httpx.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		logger.Noop(),
	)
	c := NewClient(Config{
		BaseURL:  baseURL,
		Username: "admin",
		Password: "secret",
	}, exec, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestAuthenticateUsesAPIKeyLogin(t *testing.T) {
	t.Parallel()

	var loginCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" && r.Method == http.MethodPost {
			loginCalls++
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "admin", creds["name"])
			assert.Equal(t, "secret", creds["password"])

			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "key-123"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := newStubSessionStore()
	c := newTestClient(t, srv.URL, store)

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, 1, loginCalls)
	assert.Equal(t, 1, store.saves)

	sess, err := store.Load(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, "key-123", sess.APIKey)
	assert.True(t, sess.Usable(time.Now().UTC()))
}

func TestAuthenticateFallsBackToCookieLogin(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			http.Error(w, "not supported", http.StatusNotFound)
		case "/login":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "admin", r.PostForm.Get("name"))
			http.SetCookie(w, &http.Cookie{Name: "kodosumi_session", Value: "abc"})
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := newStubSessionStore()
	c := newTestClient(t, srv.URL, store)

	require.NoError(t, c.Authenticate(context.Background()))
	sess, err := store.Load(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Empty(t, sess.APIKey)
	assert.Contains(t, sess.CookieData, "kodosumi_session=abc")
}

func TestRequestRetriesOnceWithFreshLoginAfter401(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	logins := 0
	flowCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch r.URL.Path {
		case "/api/login":
			logins++
			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "key-" + string(rune('0'+logins))})
		case "/flow":
			flowCalls++
			// The first credential is rejected; the one from the fresh login
			// is accepted.
			if r.Header.Get("Authorization") == "Bearer key-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := newStubSessionStore()
	c := newTestClient(t, srv.URL, store)

	resp, err := c.Request(context.Background(), http.MethodGet, "/flow", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, 2, logins, "expected the initial login plus one fresh login")
	assert.Equal(t, 2, flowCalls)
	mu.Unlock()
	assert.GreaterOrEqual(t, store.deletes, 1, "the rejected session must be cleared")
}

func TestRequestFailsWhenFreshLoginAlsoRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "always-bad"})
		case "/flow":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newStubSessionStore())

	_, err := c.Request(context.Background(), http.MethodGet, "/flow", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after fresh login")
}

func TestHealthSnapshotReflectsTraffic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "key"})
		case "/flow":
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newStubSessionStore())

	resp, err := c.Request(context.Background(), http.MethodGet, "/flow", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	h := c.Health()
	assert.True(t, h.IsHealthy)
	assert.True(t, h.HasValidSession)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.NotZero(t, h.SuccessfulRequests)
}

func TestStartRestoresPersistedSession(t *testing.T) {
	t.Parallel()

	var logins int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			logins++
			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "fresh"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := newStubSessionStore()
	require.NoError(t, store.Save(context.Background(), &Session{
		ServiceName: ServiceName,
		APIKey:      "persisted",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}))

	c := newTestClient(t, srv.URL, store)
	c.Start(context.Background())

	sess, err := c.ensureAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", sess.APIKey)
	assert.Zero(t, logins, "a usable persisted session must not trigger a login")
}
