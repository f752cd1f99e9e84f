package masumi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/httpx"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

func newTestMasumiClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	exec := httpx.NewExecutor(
		common.NewWindowLimiter(10_000, time.Minute),
		httpx.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		logger.Noop(),
	)
	return NewClient(cfg, exec, logger.Noop())
}

func TestCreatePaymentRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payment", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("token"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body["agentIdentifier"])
		assert.Equal(t, "purchaser-1", body["identifierFromPurchaser"])
		assert.Equal(t, "Preprod", body["network"])
		assert.NotEmpty(t, body["inputHash"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"blockchainIdentifier": "chain-abc",
				"payByTime":            "1750000000000",
				"submitResultTime":     "1750086400000",
				"sellerVKey":           "vkey-1",
			},
		})
	}))
	defer srv.Close()

	c := newTestMasumiClient(t, Config{BaseURL: srv.URL, APIKey: "secret"})

	details, err := c.CreatePaymentRequest(context.Background(), PaymentRequest{
		AgentIdentifier:         "agent-1",
		IdentifierFromPurchaser: "purchaser-1",
		InputData:               map[string]any{"topic": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "chain-abc", details.BlockchainIdentifier)
	assert.Equal(t, int64(1750000000000), details.PayByTime)
	assert.Equal(t, int64(1750086400000), details.SubmitResultTime)
	assert.Equal(t, "vkey-1", details.SellerVKey)
	assert.NotEmpty(t, details.Raw)
}

func TestCreatePaymentRequestRejectsEmptyIdentifier(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	c := newTestMasumiClient(t, Config{BaseURL: srv.URL, APIKey: "secret"})
	_, err := c.CreatePaymentRequest(context.Background(), PaymentRequest{AgentIdentifier: "agent-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no blockchain identifier")
}

func TestTestModeSynthesizesPayment(t *testing.T) {
	t.Parallel()

	c := newTestMasumiClient(t, Config{TestMode: true})
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	details, err := c.CreatePaymentRequest(context.Background(), PaymentRequest{AgentIdentifier: "agent-1"})
	require.NoError(t, err)

	assert.True(t, len(details.BlockchainIdentifier) > len("test-"))
	assert.Equal(t, "test-", details.BlockchainIdentifier[:5])
	assert.Equal(t, fixed.Add(12*time.Hour).UnixMilli(), details.PayByTime)
	assert.Equal(t, fixed.Add(24*time.Hour).UnixMilli(), details.SubmitResultTime)

	// Test-mode payments confirm immediately and settle as a no-op.
	state, err := c.CheckStatus(context.Background(), details.BlockchainIdentifier)
	require.NoError(t, err)
	assert.True(t, state.Confirmed())
	require.NoError(t, c.CompletePayment(context.Background(), details.BlockchainIdentifier, []byte(`{}`)))
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payment", r.URL.Path)
		require.Equal(t, "Preprod", r.URL.Query().Get("network"))
		require.Equal(t, "100", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"payments": []map[string]any{
					{"blockchainIdentifier": "other", "onChainState": "Withdrawn"},
					{"blockchainIdentifier": "chain-abc", "onChainState": "FundsLocked"},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestMasumiClient(t, Config{BaseURL: srv.URL, APIKey: "secret"})

	state, err := c.CheckStatus(context.Background(), "chain-abc")
	require.NoError(t, err)
	assert.Equal(t, StateFundsLocked, state)
	assert.True(t, state.Confirmed())

	// An identifier the service has not listed yet reads as pending.
	state, err = c.CheckStatus(context.Background(), "not-listed")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
	assert.False(t, state.Confirmed())
	assert.False(t, state.Failed())
}

func TestCompletePaymentSubmitsResultHash(t *testing.T) {
	t.Parallel()

	result := []byte(`{"answer":42}`)
	sum := sha256.Sum256(result)

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payment/submit-result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	c := newTestMasumiClient(t, Config{BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, c.CompletePayment(context.Background(), "chain-abc", result))

	assert.Equal(t, "chain-abc", gotBody["blockchainIdentifier"])
	assert.Equal(t, hex.EncodeToString(sum[:]), gotBody["submitResultHash"])
}

func TestStateClassification(t *testing.T) {
	t.Parallel()

	confirmed := []State{StateFundsLocked, StateResultSubmitted, StateWithdrawn}
	for _, s := range confirmed {
		assert.True(t, s.Confirmed(), "%s should confirm", s)
		assert.False(t, s.Failed(), "%s should not fail", s)
	}

	failed := []State{StateInvalid, StateRefundRequested, StateDisputed, StateRefundWithdrawn}
	for _, s := range failed {
		assert.True(t, s.Failed(), "%s should fail", s)
		assert.False(t, s.Confirmed(), "%s should not confirm", s)
	}

	assert.False(t, StatePending.Confirmed())
	assert.False(t, StatePending.Failed())
}

func TestPaymentDetailsDecodesBareNumberDeadlines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The service has served deadlines both as strings and as bare
		// JSON numbers; both must decode.
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"blockchainIdentifier": "chain-num",
				"payByTime":            1750000000000,
				"submitResultTime":     1750086400000,
				"sellerVKey":           "vkey-1",
			},
		})
	}))
	defer srv.Close()

	c := newTestMasumiClient(t, Config{BaseURL: srv.URL, APIKey: "secret"})

	details, err := c.CreatePaymentRequest(context.Background(), PaymentRequest{
		AgentIdentifier:         "agent-1",
		IdentifierFromPurchaser: "purchaser-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "chain-num", details.BlockchainIdentifier)
	assert.Equal(t, int64(1750000000000), details.PayByTime)
	assert.Equal(t, int64(1750086400000), details.SubmitResultTime)
}
