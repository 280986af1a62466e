package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// busSections are the top-level keys the buses read via BusConfigFrom.
// Unknown keys are tolerated, but a scalar where a section is expected is a
// configuration mistake worth failing on at load time.
var busSections = []string{"event_bus", "command_bus"}

// FromFile loads a bus configuration file, choosing the codec by extension
// (.yaml, .yml, or .json).
func FromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = FromYAML(raw)
	case ".json":
		cfg, err = FromJSON(raw)
	default:
		return Config{}, fmt.Errorf("load config %s: unsupported extension %q (want .yaml, .yml, or .json)", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML decodes a YAML document whose root is a mapping of sections,
// typically event_bus and command_bus.
func FromYAML(raw []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Config{}, fmt.Errorf("decode yaml config: %w", err)
	}
	return newValidated(m)
}

// FromJSON decodes a JSON document into a Config.
func FromJSON(raw []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Config{}, fmt.Errorf("decode json config: %w", err)
	}
	return newValidated(m)
}

// newValidated wraps the decoded map after checking that every bus section
// present is actually a mapping; Section() would otherwise silently turn a
// mistyped section into all-defaults.
func newValidated(m map[string]any) (Config, error) {
	for _, key := range busSections {
		v, ok := m[key]
		if !ok {
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			return Config{}, fmt.Errorf("config section %q must be a mapping, got %T", key, v)
		}
	}
	return New(m), nil
}
