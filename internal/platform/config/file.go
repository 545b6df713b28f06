package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
)

// File is the YAML document passed with --config.
type File struct {
	Connectors []connector.Descriptor `yaml:"connectors"`
	DataNeeds  []models.DataNeed      `yaml:"data_needs"`
}

// LoadFile reads and validates a connectors file. Unknown keys are rejected
// so typos do not silently fall back to defaults.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(raw)
}

// ParseFile decodes a connectors file.
func ParseFile(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode config file: %w", err)
	}
	seen := map[string]bool{}
	for _, c := range f.Connectors {
		if c.ID == "" {
			return File{}, fmt.Errorf("connector without id")
		}
		if seen["c:"+string(c.ID)] {
			return File{}, fmt.Errorf("connector %s declared twice", c.ID)
		}
		seen["c:"+string(c.ID)] = true
	}
	for _, n := range f.DataNeeds {
		if n.ID == "" {
			return File{}, fmt.Errorf("data need without id")
		}
		if seen["d:"+string(n.ID)] {
			return File{}, fmt.Errorf("data need %s declared twice", n.ID)
		}
		seen["d:"+string(n.ID)] = true
		for _, g := range n.Granularities {
			if !g.IsValid() {
				return File{}, fmt.Errorf("data need %s: unknown granularity %q", n.ID, g)
			}
		}
	}
	return f, nil
}

// Connector returns the file's settings for id, if any.
func (f File) Connector(id string) (connector.Descriptor, bool) {
	for _, c := range f.Connectors {
		if string(c.ID) == id {
			return c, true
		}
	}
	return connector.Descriptor{}, false
}
