package kodosumi

import (
	"sync"
	"time"
)

// unhealthyAfter is the number of consecutive failures after which the
// channel is considered unhealthy and the recovery loop engages.
const unhealthyAfter = 3

// connectionHealth tracks rolling counters for the upstream channel. It is
// process-local and never persisted; a forced reconnect resets it.
type connectionHealth struct {
	mu sync.Mutex

	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	consecutiveFailures int
	lastSuccess         time.Time
	lastHealthCheck     time.Time
}

func (h *connectionHealth) recordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRequests++
	h.successfulRequests++
	h.consecutiveFailures = 0
	h.lastSuccess = now
}

func (h *connectionHealth) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRequests++
	h.failedRequests++
	h.consecutiveFailures++
}

func (h *connectionHealth) recordHealthCheck(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHealthCheck = now
}

func (h *connectionHealth) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures < unhealthyAfter
}

func (h *connectionHealth) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRequests = 0
	h.successfulRequests = 0
	h.failedRequests = 0
	h.consecutiveFailures = 0
	h.lastSuccess = time.Time{}
	h.lastHealthCheck = time.Time{}
}

// Health is an observability snapshot of the connection state. It has no
// side effects and carries no locks.
type Health struct {
	IsHealthy           bool      `json:"is_healthy"`
	HasValidSession     bool      `json:"has_valid_session"`
	SessionExpiresAt    time.Time `json:"session_expires_at"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastHealthCheck     time.Time `json:"last_health_check"`
	KeepaliveRunning    bool      `json:"keepalive_running"`
	RecoveryRunning     bool      `json:"recovery_running"`
}

func (h *connectionHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		IsHealthy:           h.consecutiveFailures < unhealthyAfter,
		TotalRequests:       h.totalRequests,
		SuccessfulRequests:  h.successfulRequests,
		FailedRequests:      h.failedRequests,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccess:         h.lastSuccess,
		LastHealthCheck:     h.lastHealthCheck,
	}
}
