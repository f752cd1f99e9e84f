// Package flow describes the named units of work executable on the upstream
// platform and their per-flow payment configuration.
package flow

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates the requested flow is not known to the catalog.
var ErrNotFound = errors.New("flow not found")

// Flow is a named unit of work discovered on the upstream platform.
type Flow struct {
	Key         string
	Name        string
	Description string
	Path        string
	Version     string
	Author      string
	Tags        []string
}

// KeyFromPath converts an upstream URL path to a stable flow key.
func KeyFromPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	return strings.ReplaceAll(path, "/", "_")
}

// Config carries the payment configuration for one flow. A flow can only be
// sold once it is enabled and has an agent identifier registered on the
// payment service.
type Config struct {
	FlowKey         string `json:"flow_key"`
	AgentIdentifier string `json:"agent_identifier"`
	SellerVKey      string `json:"seller_vkey"`
	Enabled         bool   `json:"enabled"`
	FlowName        string `json:"flow_name"`
	Description     string `json:"description"`
}

// Sellable reports whether runs of this flow can be offered for payment.
func (c Config) Sellable() bool { return c.Enabled && c.AgentIdentifier != "" }

// ConfigRepository defines the persistence contract for per-flow payment
// configuration.
type ConfigRepository interface {
	// Get loads the configuration for a flow key, returning ErrNotFound
	// when absent.
	Get(ctx context.Context, flowKey string) (Config, error)

	// Upsert creates or replaces the configuration for a flow key.
	Upsert(ctx context.Context, cfg Config) error

	// List returns all stored flow configurations.
	List(ctx context.Context) ([]Config, error)

	// SyncDiscovered upserts name/description for discovered flows, creating
	// disabled configs for flows seen for the first time.
	SyncDiscovered(ctx context.Context, flows []Flow) error
}
