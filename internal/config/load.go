package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, defaults, and validates a table-tree document from
// path, following the teacher's ReadFile -> Unmarshal -> applyDefaults ->
// Validate pipeline (internal/config/load.go).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}

	applyDefaults(&doc)

	if err := Validate(&doc); err != nil {
		return nil, fmt.Errorf("invalid configuration file '%s':\n%w", path, err)
	}
	return &doc, nil
}

func applyDefaults(doc *Document) {
	if doc.Mode == "" {
		doc.Mode = "truncate"
	}
	applyColumnDefaults(doc.Cols)
}

func applyColumnDefaults(cols []ColumnSpec) {
	for i := range cols {
		if cols[i].Type == "" {
			cols[i].Type = "text"
		}
		if len(cols[i].Cols) > 0 {
			applyColumnDefaults(cols[i].Cols)
		}
	}
}
