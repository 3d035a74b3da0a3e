package workers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/settled/pkg/contracts"
)

type destinationsFile struct {
	Destinations []contracts.Destination `yaml:"destinations"`
}

// LoadDestinations reads the delivery destination registry from a YAML file.
// Destination ids must be unique and non-empty.
func LoadDestinations(path string) ([]contracts.Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations: %w", err)
	}
	return ParseDestinations(data)
}

// ParseDestinations parses destination YAML bytes.
func ParseDestinations(data []byte) ([]contracts.Destination, error) {
	var f destinationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse destinations: %w", err)
	}
	seen := map[string]bool{}
	for _, d := range f.Destinations {
		if d.ID == "" {
			return nil, fmt.Errorf("parse destinations: destination with empty id")
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("parse destinations: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return f.Destinations, nil
}
