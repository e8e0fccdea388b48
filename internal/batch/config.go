package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/ch-au/negosim/internal/domain"
)

// BatchConfig represents one scheduled queue start
type BatchConfig struct {
	Name          string   `toml:"name"`
	Cron          string   `toml:"cron"`
	NegotiationID string   `toml:"negotiation_id"`
	Techniques    []string `toml:"techniques"`
	Tactics       []string `toml:"tactics"`
	Personalities []string `toml:"personalities"`
	ZopaDistances []string `toml:"zopa_distances"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

// ScheduleConfig holds all scheduled queue starts
type ScheduleConfig struct {
	Batches []BatchConfig `toml:"batch"`
}

// Selection returns the selector sets as a domain selection
func (c *BatchConfig) Selection() domain.Selection {
	return domain.Selection{
		Techniques:    c.Techniques,
		Tactics:       c.Tactics,
		Personalities: c.Personalities,
		ZopaDistances: c.ZopaDistances,
	}
}

// Validate checks if the config is valid
func (c *BatchConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.NegotiationID == "" {
		return fmt.Errorf("negotiation_id is required")
	}
	if err := c.Selection().Validate(); err != nil {
		return err
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0 // Scheduler default applies
	}
	return nil
}

// LoadScheduleConfig loads scheduled queue starts from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Validate all batches
	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}

	return &cfg, nil
}
