// Package fileloader loads flow seed configuration from a file on disk.
package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/config"
)

// FileLoader loads flow seed configuration from a file on disk. It implements
// the Loader interface to provide file-based configuration management.
type FileLoader struct {
	// path is the filesystem path to the seed file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from
// the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the seed file specified in FileLoader.path. It
// returns the parsed seed or an error if reading or parsing fails.
func (l *FileLoader) Load(ctx context.Context) (*config.FlowSeedFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow seed file: %w", err)
	}

	var seed config.FlowSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse flow seed file: %w", err)
	}

	for i, f := range seed.Flows {
		if f.FlowKey == "" {
			return nil, fmt.Errorf("flow seed entry %d is missing flow_key", i)
		}
	}
	return &seed, nil
}
