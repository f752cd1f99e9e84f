// Package kodosumi is the client for the upstream flow-execution platform.
// It owns the authenticated channel: credentials, expiry, health tracking,
// and the background loops that keep the channel usable across failures.
package kodosumi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/httpx"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// Config carries the connection settings for the upstream platform.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// SessionLifetime is the upstream's session validity window. The cached
	// session is refreshed RefreshMargin before that window ends, so a 24h
	// upstream session is re-established at the 23h mark.
	SessionLifetime time.Duration
	RefreshMargin   time.Duration

	// KeepaliveInterval controls how often the channel is probed after a
	// successful authentication.
	KeepaliveInterval time.Duration

	// CallTimeout bounds each outbound HTTP call at the transport,
	// independent of retry and backoff.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionLifetime == 0 {
		c.SessionLifetime = 24 * time.Hour
	}
	if c.RefreshMargin == 0 {
		c.RefreshMargin = time.Hour
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 10 * time.Minute
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Recovery loop backoff bounds.
const (
	recoveryInitialDelay = time.Second
	recoveryMaxDelay     = 5 * time.Minute
)

// Client is the single entry point for all upstream calls. Callers never
// deal with authentication: Request attaches a valid credential, retries once
// with a fresh login on auth-shaped failures, and feeds the health counters
// that drive the recovery loop.
type Client struct {
	cfg    Config
	httpc  *http.Client
	exec   *httpx.Executor
	store  SessionStore
	logger *logger.Logger
	tracer trace.Tracer

	// authMu makes authentication single-flight: concurrent callers hitting
	// an expired session perform at most one login per process.
	authMu  sync.Mutex
	session *Session

	health connectionHealth

	keepalive loopHandle
	recovery  loopHandle

	// baseCtx parents the background loops so they stop with the client
	// rather than with whichever request happened to start them.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	now func() time.Time
}

// NewClient creates a Client using the given executor for all outbound calls.
func NewClient(cfg Config, exec *httpx.Executor, store SessionStore, log *logger.Logger, tracer trace.Tracer) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.CallTimeout},
		exec:   exec,
		store:  store,
		logger: log.With("component", "kodosumi_client"),
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start loads any persisted session and establishes the channel. A failed
// initial authentication is not fatal: the recovery loop keeps retrying in
// the background while the process serves requests that do not need the
// upstream.
func (c *Client) Start(ctx context.Context) {
	c.baseCtx, c.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	if s, err := c.store.Load(ctx, ServiceName); err == nil && s.Usable(c.now()) {
		c.authMu.Lock()
		c.session = s
		c.authMu.Unlock()
		c.logger.Info(ctx, "restored persisted session", "expires_at", s.ExpiresAt)
		c.startKeepalive()
		return
	}

	if err := c.Authenticate(ctx); err != nil {
		c.logger.Error(ctx, "initial authentication failed, recovery loop engaged", "error", err)
		c.maybeStartRecovery()
	}
}

// Stop cancels the background loops.
func (c *Client) Stop() {
	if c.baseCancel != nil {
		c.baseCancel()
	}
	c.keepalive.stop()
	c.recovery.stop()
}

// Authenticate performs a login against the upstream platform. On success it
// stores the credential, persists the session, and starts the keepalive
// loop. On failure it feeds the health counters and returns the error.
func (c *Client) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "kodosumi.authenticate")
	defer span.End()

	session, err := c.login(ctx)
	if err != nil {
		c.health.recordFailure()
		span.RecordError(err)
		return fmt.Errorf("authenticating to %s: %w", c.cfg.BaseURL, err)
	}

	c.session = session
	c.health.recordSuccess(c.now())

	if err := c.store.Save(ctx, session); err != nil {
		// The in-memory session is still good; only restart recovery is lost.
		c.logger.Warn(ctx, "failed to persist session", "error", err)
	}

	c.logger.Info(ctx, "authenticated to upstream", "expires_at", session.ExpiresAt)
	c.startKeepalive()
	return nil
}

// login tries the API-key endpoint first and falls back to the legacy
// cookie-based form login.
func (c *Client) login(ctx context.Context) (*Session, error) {
	expiry := c.now().Add(c.cfg.SessionLifetime - c.cfg.RefreshMargin)

	creds, err := json.Marshal(map[string]string{
		"name":     c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}

	resp, err := c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/login", bytes.NewReader(creds))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpc.Do(req)
	})
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			var body struct {
				APIKey string `json:"KODOSUMI_API_KEY"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.APIKey != "" {
				return &Session{
					ServiceName: ServiceName,
					APIKey:      body.APIKey,
					ExpiresAt:   expiry,
				}, nil
			}
		}
	}

	form := url.Values{"name": {c.cfg.Username}, "password": {c.cfg.Password}}
	resp, err = c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.httpc.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil, fmt.Errorf("login succeeded but no session cookie returned")
	}
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}

	return &Session{
		ServiceName: ServiceName,
		CookieData:  strings.Join(parts, "; "),
		ExpiresAt:   expiry,
	}, nil
}

// ensureAuthenticated returns a usable credential, logging in first when the
// session is missing or expired. Single-flight under authMu.
func (c *Client) ensureAuthenticated(ctx context.Context) (*Session, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.session.Usable(c.now()) {
		s := *c.session
		return &s, nil
	}
	if err := c.authenticateLocked(ctx); err != nil {
		return nil, err
	}
	s := *c.session
	return &s, nil
}

// invalidateSession drops the cached credential so the next call logs in
// fresh.
func (c *Client) invalidateSession(ctx context.Context) {
	c.authMu.Lock()
	c.session = nil
	c.authMu.Unlock()

	if err := c.store.Delete(ctx, ServiceName); err != nil {
		c.logger.Warn(ctx, "failed to delete persisted session", "error", err)
	}
}

// Request is the single entry point all upstream calls use. It attaches the
// current credential and executes via the rate-limited executor. A 401/403
// clears session state and retries once with a fresh login; transport
// errors and exhausted 5xx retries get the same single fresh-auth retry,
// since such failures are frequently session-related in practice.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "kodosumi.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("path", path),
		))
	defer span.End()

	sess, err := c.ensureAuthenticated(ctx)
	if err != nil {
		c.maybeStartRecovery()
		return nil, err
	}

	resp, err := c.do(ctx, sess, method, path, query, body)
	if err == nil && !authRejected(resp) {
		c.health.recordSuccess(c.now())
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}
	c.health.recordFailure()
	c.logger.Warn(ctx, "upstream call failed, retrying with fresh login",
		"method", method, "path", path, "error", errString(err, resp))

	c.invalidateSession(ctx)
	sess, err = c.ensureAuthenticated(ctx)
	if err != nil {
		c.maybeStartRecovery()
		return nil, err
	}

	resp, err = c.do(ctx, sess, method, path, query, body)
	if err != nil {
		c.health.recordFailure()
		c.maybeStartRecovery()
		span.RecordError(err)
		return nil, err
	}
	if authRejected(resp) {
		resp.Body.Close()
		c.health.recordFailure()
		c.maybeStartRecovery()
		err := fmt.Errorf("upstream rejected credentials with status %d after fresh login", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	c.health.recordSuccess(c.now())
	return resp, nil
}

func (c *Client) do(ctx context.Context, sess *Session, method, path string, query url.Values, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		var reader *bytes.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		var req *http.Request
		var err error
		if reader != nil {
			req, err = http.NewRequestWithContext(ctx, method, target, reader)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, target, nil)
		}
		if err != nil {
			return nil, err
		}

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		// API key wins when both credentials are present.
		switch {
		case sess.APIKey != "":
			req.Header.Set("Authorization", "Bearer "+sess.APIKey)
		case sess.CookieData != "":
			req.Header.Set("Cookie", sess.CookieData)
		}

		return c.httpc.Do(req)
	})
}

func authRejected(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

func errString(err error, resp *http.Response) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// ForceReconnect clears session state, resets health counters, and
// re-authenticates immediately. Used by operator-triggered recovery and at
// process startup.
func (c *Client) ForceReconnect(ctx context.Context) error {
	c.logger.Info(ctx, "forcing reconnect")
	c.invalidateSession(ctx)
	c.health.reset()
	return c.Authenticate(ctx)
}

// Health returns an observability snapshot of the channel. No side effects.
func (c *Client) Health() Health {
	h := c.health.snapshot()

	c.authMu.Lock()
	if c.session.Usable(c.now()) {
		h.HasValidSession = true
		h.SessionExpiresAt = c.session.ExpiresAt
	}
	c.authMu.Unlock()

	h.KeepaliveRunning = c.keepalive.isRunning()
	h.RecoveryRunning = c.recovery.isRunning()
	return h
}

// probe performs the lightweight health check: an authenticated request to
// the flow listing, which is the cheapest endpoint the upstream serves.
func (c *Client) probe(ctx context.Context) error {
	c.health.recordHealthCheck(c.now())

	resp, err := c.Request(ctx, http.MethodGet, "/flow", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// startKeepalive launches the keepalive loop if it is not already running.
// The loop opportunistically probes the channel to detect silent session
// invalidation before it affects real traffic.
func (c *Client) startKeepalive() {
	ctx, ok := c.keepalive.start(c.baseCtx)
	if !ok {
		return
	}

	go func() {
		defer c.keepalive.markStopped()

		ticker := time.NewTicker(c.cfg.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.probe(ctx); err != nil {
					// Logged but never raised: real traffic decides whether
					// the channel is actually unusable.
					c.logger.Warn(ctx, "keepalive probe failed", "error", err)
					continue
				}
				c.logger.Debug(ctx, "keepalive probe ok")
			}
		}
	}()
}

// maybeStartRecovery launches the recovery loop while the channel is
// unhealthy. The loop probes with exponential backoff and stops as soon as a
// probe succeeds.
func (c *Client) maybeStartRecovery() {
	if c.health.isHealthy() {
		return
	}

	ctx, ok := c.recovery.start(c.baseCtx)
	if !ok {
		return
	}

	go func() {
		defer c.recovery.markStopped()

		delay := recoveryInitialDelay
		for {
			c.logger.Info(ctx, "connection recovery attempt", "next_delay", delay.String())

			if err := c.probe(ctx); err == nil {
				c.logger.Info(ctx, "connection recovered")
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > recoveryMaxDelay {
				delay = recoveryMaxDelay
			}
		}
	}()
}

// loopHandle tracks one background goroutine so it is started at most once
// at a time and can be cancelled on shutdown.
type loopHandle struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// start returns a derived context and true when the loop may run; false when
// it is already running.
func (l *loopHandle) start(parent context.Context) (context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.running = true
	return ctx, true
}

func (l *loopHandle) markStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
}

func (l *loopHandle) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *loopHandle) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
