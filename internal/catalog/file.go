package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk YAML layout:
//
//	weights:
//	  high: 5
//	  medium: 3
//	  low: 2
//	keywords:
//	  - term: impressora 3d
//	    tier: high
type fileFormat struct {
	Weights  *Weights  `yaml:"weights"`
	Keywords []Keyword `yaml:"keywords"`
}

// LoadFile reads a YAML catalog. Weights in the file override the supplied
// defaults; a file without keywords falls back to DefaultKeywords.
func LoadFile(path string, weights Weights) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data, weights)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte, weights Weights) (*Catalog, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}
	if doc.Weights != nil {
		weights = *doc.Weights
	}
	keywords := doc.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords()
	}
	c, err := New(keywords, weights)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	return c, nil
}
