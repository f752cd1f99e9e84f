package kodosumi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
)

// maxFlowItems caps pagination so a misbehaving upstream cannot make
// discovery unbounded.
const maxFlowItems = 1000

// ErrValidation is returned by Launch when the upstream rejects the inputs
// rather than failing to start.
type ErrValidation struct {
	Details json.RawMessage
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("upstream rejected inputs: %s", string(e.Details))
}

// flowItem is the upstream's flow listing entry.
type flowItem struct {
	URL         string   `json:"url"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags"`
}

type flowPage struct {
	Items  []flowItem `json:"items"`
	Offset *string    `json:"offset"`
}

// ListFlows walks the upstream's paginated flow listing and returns all
// deployed flows, keyed deterministically from the flow path.
func (c *Client) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	var flows []flow.Flow
	offset := ""

	for {
		query := url.Values{}
		if offset != "" {
			query.Set("offset", offset)
		}

		resp, err := c.Request(ctx, http.MethodGet, "/flow", query, nil)
		if err != nil {
			return nil, fmt.Errorf("listing flows: %w", err)
		}

		var page flowPage
		err = decodeBody(resp, &page)
		if err != nil {
			return nil, fmt.Errorf("listing flows: %w", err)
		}

		for _, item := range page.Items {
			flows = append(flows, flow.Flow{
				Key:         flow.KeyFromPath(item.URL),
				Name:        item.Summary,
				Description: item.Description,
				Path:        item.URL,
				Version:     item.Version,
				Author:      item.Author,
				Tags:        item.Tags,
			})
		}

		if len(flows) >= maxFlowItems {
			c.logger.Warn(ctx, "flow listing truncated at cap", "cap", maxFlowItems)
			flows = flows[:maxFlowItems]
			break
		}
		if page.Offset == nil || *page.Offset == "" || len(page.Items) == 0 {
			break
		}
		offset = *page.Offset
	}

	return flows, nil
}

// FlowSchema fetches the input schema the flow publishes at its own path.
// The schema is passed through opaquely; the bridge does not interpret it.
func (c *Client) FlowSchema(ctx context.Context, flowPath string) (json.RawMessage, error) {
	resp, err := c.Request(ctx, http.MethodGet, flowPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching schema for %s: %w", flowPath, err)
	}

	var schema json.RawMessage
	if err := decodeBody(resp, &schema); err != nil {
		return nil, fmt.Errorf("fetching schema for %s: %w", flowPath, err)
	}
	return schema, nil
}

// Launch starts a flow execution with the given inputs and returns the
// upstream run identifier. Input rejection surfaces as *ErrValidation so the
// orchestrator can distinguish user error from platform failure.
func (c *Client) Launch(ctx context.Context, flowPath string, inputs map[string]any) (string, error) {
	resp, err := c.Request(ctx, http.MethodPost, flowPath, nil, inputs)
	if err != nil {
		return "", fmt.Errorf("launching %s: %w", flowPath, err)
	}

	body, err := readBody(resp)
	if err != nil {
		return "", fmt.Errorf("launching %s: %w", flowPath, err)
	}

	var launch struct {
		Result string          `json:"result"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &launch); err != nil {
		return "", fmt.Errorf("launching %s: decoding response: %w", flowPath, err)
	}

	if len(launch.Errors) > 0 && string(launch.Errors) != "null" {
		return "", &ErrValidation{Details: launch.Errors}
	}
	if launch.Result == "" {
		return "", fmt.Errorf("launching %s: upstream returned neither run id nor errors", flowPath)
	}
	return launch.Result, nil
}

// RunStatus fetches the current status document for an upstream run. Newer
// deployments serve a dedicated status endpoint; older ones only answer on
// the flow path with a run_id query, so that is the fallback.
func (c *Client) RunStatus(ctx context.Context, flowPath, upstreamRunID string) (*StatusDocument, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/outputs/status/"+upstreamRunID, nil, nil)
	if err == nil && resp.StatusCode == http.StatusOK {
		body, err := readBody(resp)
		if err != nil {
			return nil, fmt.Errorf("fetching status for run %s: %w", upstreamRunID, err)
		}
		doc, err := ParseStatusDocument(body)
		if err != nil {
			return nil, err
		}
		return &doc, nil
	}
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	query := url.Values{"run_id": {upstreamRunID}}
	resp, err = c.Request(ctx, http.MethodGet, flowPath, query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching status for run %s: %w", upstreamRunID, err)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetching status for run %s: %w", upstreamRunID, err)
	}
	doc, err := ParseStatusDocument(body)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// readBody consumes the response body, treating any non-2xx status as an
// error that includes a bounded excerpt of the payload.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %s: %s", strconv.Itoa(resp.StatusCode), excerpt(body))
	}
	return body, nil
}

func decodeBody(resp *http.Response, v any) error {
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func excerpt(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
