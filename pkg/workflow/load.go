// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDefinition loads a definition from a YAML, JSON or TOML file. A
// definition without an id takes the file name without extension.
func LoadDefinition(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("workflow path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def *Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		def, err = ParseJSON(data)
	case ".yaml", ".yml":
		def, err = ParseYAML(data)
	case ".toml":
		def, err = ParseTOML(data)
	default:
		def, err = parseAuto(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// IsDefinitionFile reports whether path has a supported extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func parseAuto(data []byte) (*Definition, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return ParseJSON(data)
	}
	if def, err := ParseYAML(data); err == nil {
		return def, nil
	}
	if def, err := ParseTOML(data); err == nil {
		return def, nil
	}
	return nil, fmt.Errorf("unsupported workflow format")
}
