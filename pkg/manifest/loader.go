package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a manifest file and runs the full validation chain: raw
// schema check, typed parse, ApplyDefaults, semantic checks.
//
// .json files are parsed as JSON, anything else as YAML (JSON being a
// YAML subset).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes is Load over in-memory data. path is only used for format
// detection and messages.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	// Raw validation sees unknown fields the typed parse would drop.
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	m, err := parse(data, path)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaults()

	if err := ValidateSemantics(m); err != nil {
		return nil, err
	}
	return m, nil
}

func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func parse(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if isJSON(path) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return &m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return &m, nil
}

// toJSON converts the input to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	if isJSON(path) {
		if !json.Valid(data) {
			return nil, errors.New("invalid JSON in manifest")
		}
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return out, nil
}
