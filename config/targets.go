package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TownTarget describes one Redfin market page to scrape.
type TownTarget struct {
	Town   string `yaml:"town"`
	Region string `yaml:"region"`
	URL    string `yaml:"url"`
}

// Targets is the collection list: the towns scraped from Redfin market pages
// and the neighborhoods picked out of the StreetEasy feeds.
type Targets struct {
	Towns         []TownTarget `yaml:"towns"`
	Neighborhoods []string     `yaml:"neighborhoods"`
}

func LoadTargets(path string) (*Targets, error) {
	data, err := os.ReadFile(resolveTargetsPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var targets Targets
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	seen := make(map[string]struct{}, len(targets.Towns))
	for i, town := range targets.Towns {
		if town.Town == "" {
			return nil, fmt.Errorf("towns[%d].town is required", i)
		}
		if town.URL == "" {
			return nil, fmt.Errorf("towns[%d].url is required for %s", i, town.Town)
		}
		if _, ok := seen[town.Town]; ok {
			return nil, fmt.Errorf("duplicate town '%s'", town.Town)
		}
		seen[town.Town] = struct{}{}
	}

	return &targets, nil
}
