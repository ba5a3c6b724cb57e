package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierLimit describes one plan's point budget.
type TierLimit struct {
	Points int64 `yaml:"points"`
}

// TiersConfig describes plan budgets and the rolling quota window.
type TiersConfig struct {
	Plans          map[string]TierLimit `yaml:"plans"`
	WindowSeconds  int64                `yaml:"window_seconds"`
	GenerationCost int64                `yaml:"generation_cost"`
}

// Window returns the rolling quota window as a duration.
func (c *TiersConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// PointsFor returns the budget for a plan name, falling back to the free tier.
func (c *TiersConfig) PointsFor(plan string) int64 {
	if limit, ok := c.Plans[plan]; ok && limit.Points > 0 {
		return limit.Points
	}
	return c.Plans["free"].Points
}

// LoadTiers loads a YAML tiers file; returns defaults if the file is missing.
func LoadTiers(path string) (*TiersConfig, error) {
	if path == "" {
		return defaultTiers(), nil
	}
	// #nosec G304 -- tier config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultTiers(), fmt.Errorf("read tiers config: %w", err)
	}
	return ParseTiers(data)
}

// ParseTiers parses tiers config data from YAML bytes, filling defaults.
func ParseTiers(data []byte) (*TiersConfig, error) {
	if len(data) == 0 {
		return defaultTiers(), nil
	}
	var cfg TiersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultTiers(), fmt.Errorf("parse tiers config: %w", err)
	}
	def := defaultTiers()
	if cfg.Plans == nil {
		cfg.Plans = def.Plans
	}
	for name, limit := range def.Plans {
		if existing, ok := cfg.Plans[name]; !ok || existing.Points <= 0 {
			cfg.Plans[name] = limit
		}
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = def.WindowSeconds
	}
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = def.GenerationCost
	}
	return &cfg, nil
}

func defaultTiers() *TiersConfig {
	return &TiersConfig{
		Plans: map[string]TierLimit{
			"free": {Points: 5},
			"pro":  {Points: 100},
		},
		WindowSeconds:  30 * 24 * 60 * 60,
		GenerationCost: 1,
	}
}
