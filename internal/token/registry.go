package token

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RegistryFile represents the structure of the token registry YAML file.
// The order of the tokens list is the display order.
type RegistryFile struct {
	Tokens []struct {
		Name     string `yaml:"name"`
		Address  string `yaml:"address"`
		Symbol   string `yaml:"symbol"`
		Decimals *int   `yaml:"decimals"`
		Hidden   bool   `yaml:"hidden"`
	} `yaml:"tokens"`
}

// Loader reads token registries from disk.
type Loader struct {
	logger *zap.Logger
}

// NewLoader constructs a Loader with the given logger.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{logger: logger.Named("token_loader")}
}

// LoadRegistryYAML reads the registry file and returns both the lookup
// registry and the ordered descriptors of visible tokens.
func (l *Loader) LoadRegistryYAML(path string) (Registry, []Descriptor, error) {
	if filepath.IsAbs(path) {
		l.logger.Debug("Using absolute path for registry file", zap.String("path", path))
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return l.ParseRegistry(data)
}

// ParseRegistry decodes registry YAML.
func (l *Loader) ParseRegistry(data []byte) (Registry, []Descriptor, error) {
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse registry YAML: %w", err)
	}
	if len(file.Tokens) == 0 {
		return nil, nil, fmt.Errorf("no tokens found in registry")
	}

	registry := make(Registry, len(file.Tokens))
	descriptors := make([]Descriptor, 0, len(file.Tokens))
	for i, t := range file.Tokens {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, nil, fmt.Errorf("token #%d: missing name", i+1)
		}
		if _, dup := registry[name]; dup {
			return nil, nil, fmt.Errorf("token %q: duplicate name", name)
		}

		decimals := DefaultDecimals
		if t.Decimals != nil {
			if *t.Decimals < 0 {
				return nil, nil, fmt.Errorf("token %q: negative decimals", name)
			}
			decimals = *t.Decimals
		}

		if t.Address != "" {
			if _, ok := ParseAddress(t.Address); !ok {
				l.logger.Warn("Token address is not a valid hex address, it will be valued at zero",
					zap.String("token", name),
					zap.String("address", t.Address))
			}
		}

		registry[name] = Info{Address: t.Address, Symbol: t.Symbol, Decimals: decimals}
		if !t.Hidden {
			descriptors = append(descriptors, Descriptor{Name: name, Address: t.Address, Decimals: decimals})
		}
	}

	l.logger.Info("Token registry loaded",
		zap.Int("entries", len(registry)),
		zap.Int("visible", len(descriptors)))

	return registry, descriptors, nil
}

// Names returns registry keys in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
