package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesSeedFile(t *testing.T) {
	t.Parallel()

	path := writeSeedFile(t, `
flows:
  - flow_key: crew_research
    agent_identifier: agent-1
    seller_vkey: vkey-1
    enabled: true
  - flow_key: crew_writer
    enabled: false
`)

	seed, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, seed.Flows, 2)

	assert.Equal(t, "crew_research", seed.Flows[0].FlowKey)
	assert.Equal(t, "agent-1", seed.Flows[0].AgentIdentifier)
	assert.Equal(t, "vkey-1", seed.Flows[0].SellerVKey)
	assert.True(t, seed.Flows[0].Enabled)

	assert.Equal(t, "crew_writer", seed.Flows[1].FlowKey)
	assert.False(t, seed.Flows[1].Enabled)
}

func TestLoadRejectsMissingFlowKey(t *testing.T) {
	t.Parallel()

	path := writeSeedFile(t, `
flows:
  - agent_identifier: agent-1
    enabled: true
`)

	_, err := NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing flow_key")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := writeSeedFile(t, "flows: [broken")
	_, err := NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
}
