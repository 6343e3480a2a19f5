package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinition reads a YAML or JSON document into a compiled CaseDefinition.
func ParseDefinition(data []byte) (*CaseDefinition, error) {
	var def CaseDefinition
	// yaml can handle JSON too, so a single attempt is fine
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, invalidDefinition("parse definition", map[string]any{"error": err.Error()})
	}
	if err := def.Compile(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads and compiles one definition file.
func LoadDefinitionFile(path string) (*CaseDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitionDir compiles every .yaml, .yml and .json file in dir, sorted by name.
func LoadDefinitionDir(dir string) ([]*CaseDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	defs := make([]*CaseDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
