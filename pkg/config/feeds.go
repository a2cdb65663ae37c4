package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedSeed declares a feed and the chain that ingests it.
type FeedSeed struct {
	Ticker      string `yaml:"ticker" json:"ticker"`
	Timeframe   string `yaml:"timeframe" json:"timeframe"`
	Source      string `yaml:"source" json:"source"`
	Kind        string `yaml:"kind" json:"kind"`
	Description string `yaml:"description" json:"description,omitempty"`
	Chain       string `yaml:"chain" json:"chain"`
	Active      *bool  `yaml:"active" json:"active,omitempty"`
}

// IsActive defaults to true when the seed omits the flag.
func (s FeedSeed) IsActive() bool {
	return s.Active == nil || *s.Active
}

type feedsFile struct {
	Feeds []FeedSeed `yaml:"feeds"`
}

// LoadFeeds reads the feed seed file. A missing file yields no seeds.
func LoadFeeds(path string) ([]FeedSeed, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}
	return ParseFeeds(data)
}

func ParseFeeds(data []byte) ([]FeedSeed, error) {
	var f feedsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}
	seen := make(map[string]bool, len(f.Feeds))
	for i, s := range f.Feeds {
		if s.Ticker == "" || s.Chain == "" {
			return nil, fmt.Errorf("feed #%d: ticker and chain are required", i+1)
		}
		if seen[s.Ticker] {
			return nil, fmt.Errorf("feed %s declared twice", s.Ticker)
		}
		seen[s.Ticker] = true
	}
	return f.Feeds, nil
}
