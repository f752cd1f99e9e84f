// Package masumi talks to the payment service that gates flow execution.
// Payments are created against an agent identifier, confirmed on-chain, and
// settled by submitting a hash of the delivered result.
package masumi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/httpx"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
)

// Config carries the payment service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Network string // Preprod or Mainnet

	// TestMode synthesizes payments locally instead of calling the service:
	// creation returns immediately-confirmable payment details and settlement
	// is a no-op. Used for development against a live upstream without
	// touching a chain.
	TestMode bool

	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = "Preprod"
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// State is the on-chain lifecycle state of a payment as reported by the
// payment service.
type State string

const (
	StateFundsLocked     State = "FundsLocked"
	StateResultSubmitted State = "ResultSubmitted"
	StateWithdrawn       State = "Withdrawn"
	StateDisputed        State = "Disputed"
	StateRefundRequested State = "RefundRequested"
	StateRefundWithdrawn State = "RefundWithdrawn"
	StateInvalid         State = "FundsOrDatumInvalid"
	StatePending         State = ""
)

// Confirmed reports whether funds are locked and work may begin.
func (s State) Confirmed() bool {
	switch s {
	case StateFundsLocked, StateResultSubmitted, StateWithdrawn:
		return true
	}
	return false
}

// Failed reports whether the payment can no longer confirm.
func (s State) Failed() bool {
	switch s {
	case StateInvalid, StateRefundRequested, StateDisputed, StateRefundWithdrawn:
		return true
	}
	return false
}

// PaymentRequest describes a payment to create for one flow run.
type PaymentRequest struct {
	AgentIdentifier         string
	IdentifierFromPurchaser string
	InputData               map[string]any
}

// PaymentDetails is what the caller needs to pay: the on-chain identifier
// and the deadlines the contract enforces. Time values are passed through in
// whatever unit the service reported.
type PaymentDetails struct {
	BlockchainIdentifier string          `json:"blockchainIdentifier"`
	PayByTime            int64           `json:"payByTime,string"`
	SubmitResultTime     int64           `json:"submitResultTime,string"`
	SellerVKey           string          `json:"sellerVKey"`
	Raw                  json.RawMessage `json:"-"`
}

// UnmarshalJSON tolerates both encodings the service has used for its
// deadline fields: JSON strings and bare numbers.
func (d *PaymentDetails) UnmarshalJSON(data []byte) error {
	var aux struct {
		BlockchainIdentifier string          `json:"blockchainIdentifier"`
		PayByTime            json.RawMessage `json:"payByTime"`
		SubmitResultTime     json.RawMessage `json:"submitResultTime"`
		SellerVKey           string          `json:"sellerVKey"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	payBy, err := epochField(aux.PayByTime)
	if err != nil {
		return fmt.Errorf("payByTime: %w", err)
	}
	submit, err := epochField(aux.SubmitResultTime)
	if err != nil {
		return fmt.Errorf("submitResultTime: %w", err)
	}

	*d = PaymentDetails{
		BlockchainIdentifier: aux.BlockchainIdentifier,
		PayByTime:            payBy,
		SubmitResultTime:     submit,
		SellerVKey:           aux.SellerVKey,
	}
	return nil
}

// epochField parses an epoch value regardless of whether it was serialized
// as a string or a number. Absent and null fields report zero.
func epochField(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Client is the payment service client. All calls go through the shared
// executor so the service's rate limit is honored across the process.
type Client struct {
	cfg    Config
	httpc  *http.Client
	exec   *httpx.Executor
	logger *logger.Logger

	now func() time.Time
}

func NewClient(cfg Config, exec *httpx.Executor, log *logger.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.CallTimeout},
		exec:   exec,
		logger: log.With("component", "masumi_client"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// TestMode reports whether payments are synthesized locally.
func (c *Client) TestMode() bool { return c.cfg.TestMode }

// CreatePaymentRequest registers a payment with the service and returns the
// details the purchaser needs to lock funds.
func (c *Client) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentDetails, error) {
	if c.cfg.TestMode {
		return c.syntheticPayment(ctx, req)
	}

	body := map[string]any{
		"agentIdentifier":         req.AgentIdentifier,
		"network":                 c.cfg.Network,
		"inputHash":               hashJSON(req.InputData),
		"identifierFromPurchaser": req.IdentifierFromPurchaser,
		"metadata":                fmt.Sprintf("bridge run for %s", req.AgentIdentifier),
	}

	raw, err := c.call(ctx, http.MethodPost, "/payment", nil, body)
	if err != nil {
		return nil, fmt.Errorf("creating payment request: %w", err)
	}

	var envelope struct {
		Data PaymentDetails `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("creating payment request: decoding response: %w", err)
	}
	if envelope.Data.BlockchainIdentifier == "" {
		return nil, fmt.Errorf("creating payment request: service returned no blockchain identifier")
	}

	envelope.Data.Raw = raw
	return &envelope.Data, nil
}

// syntheticPayment fabricates payment details for test mode. Deadlines are
// reported in epoch milliseconds, matching the live service.
func (c *Client) syntheticPayment(ctx context.Context, req PaymentRequest) (*PaymentDetails, error) {
	now := c.now()
	details := &PaymentDetails{
		BlockchainIdentifier: "test-" + uuid.NewString(),
		PayByTime:            now.Add(12 * time.Hour).UnixMilli(),
		SubmitResultTime:     now.Add(24 * time.Hour).UnixMilli(),
		SellerVKey:           "test_seller_vkey",
	}
	details.Raw, _ = json.Marshal(map[string]any{
		"data":     details,
		"testMode": true,
	})

	c.logger.Info(ctx, "synthesized test-mode payment",
		"blockchain_identifier", details.BlockchainIdentifier,
		"agent_identifier", req.AgentIdentifier)
	return details, nil
}

// CheckStatus fetches the current on-chain state for one payment. An unknown
// identifier reports as pending: the service's listing is eventually
// consistent shortly after creation.
func (c *Client) CheckStatus(ctx context.Context, blockchainIdentifier string) (State, error) {
	if c.cfg.TestMode {
		return StateFundsLocked, nil
	}

	query := url.Values{
		"network": {c.cfg.Network},
		"limit":   {"100"},
	}
	raw, err := c.call(ctx, http.MethodGet, "/payment", query, nil)
	if err != nil {
		return StatePending, fmt.Errorf("checking payment status: %w", err)
	}

	var envelope struct {
		Data struct {
			Payments []struct {
				BlockchainIdentifier string `json:"blockchainIdentifier"`
				OnChainState         string `json:"onChainState"`
			} `json:"payments"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StatePending, fmt.Errorf("checking payment status: decoding response: %w", err)
	}

	for _, p := range envelope.Data.Payments {
		if p.BlockchainIdentifier == blockchainIdentifier {
			return State(p.OnChainState), nil
		}
	}
	return StatePending, nil
}

// CompletePayment settles the payment by submitting a hash of the delivered
// result, releasing the locked funds to the seller.
func (c *Client) CompletePayment(ctx context.Context, blockchainIdentifier string, result []byte) error {
	if c.cfg.TestMode {
		c.logger.Info(ctx, "test mode, skipping settlement", "blockchain_identifier", blockchainIdentifier)
		return nil
	}

	sum := sha256.Sum256(result)
	body := map[string]any{
		"network":              c.cfg.Network,
		"blockchainIdentifier": blockchainIdentifier,
		"submitResultHash":     hex.EncodeToString(sum[:]),
	}

	if _, err := c.call(ctx, http.MethodPost, "/payment/submit-result", nil, body); err != nil {
		return fmt.Errorf("completing payment %s: %w", blockchainIdentifier, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	resp, err := c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("token", c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.httpc.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment service returned status %d: %s", resp.StatusCode, truncate(raw))
	}
	return raw, nil
}

func hashJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
