package config

import "context"

// FlowSeed is one operator-provided flow configuration entry.
type FlowSeed struct {
	FlowKey         string `yaml:"flow_key"`
	AgentIdentifier string `yaml:"agent_identifier"`
	SellerVKey      string `yaml:"seller_vkey"`
	Enabled         bool   `yaml:"enabled"`
}

// FlowSeedFile is the top-level flow seed document.
type FlowSeedFile struct {
	Flows []FlowSeed `yaml:"flows"`
}

// Loader provides flow seed loading capabilities. It abstracts the source of
// configuration to allow for different implementations like files or remote
// configuration services.
type Loader interface {
	// Load retrieves and parses the flow seed from the underlying source.
	Load(ctx context.Context) (*FlowSeedFile, error)
}
