package restaurant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// recordFile is the document shape shared by every input format
type recordFile struct {
	Restaurants []PrimaryRecord `json:"restaurants" yaml:"restaurants" toml:"restaurants"`
}

// LoadRecords reads primary records from a .json, .yaml/.yml or .toml file.
// JSON input may also be a bare array.
func LoadRecords(path string) ([]PrimaryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	records, err := DecodeRecords(data, ext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return records, nil
}

// DecodeRecords decodes records in the format named by ext (".json", ".yaml", ".yml", ".toml")
func DecodeRecords(data []byte, ext string) ([]PrimaryRecord, error) {
	var doc recordFile

	switch ext {
	case ".json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &doc.Restaurants); err != nil {
				return nil, err
			}
		} else if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported input format %q", ext)
	}

	for i, r := range doc.Restaurants {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("restaurant %d has no name", i)
		}
	}
	return doc.Restaurants, nil
}
