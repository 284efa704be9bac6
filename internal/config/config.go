// Package config models the contest settings stored in the database and
// importable as YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Contest struct {
		Name           string `yaml:"name" json:"name"`
		AdminChannelID string `yaml:"admin_channel_id" json:"admin_channel_id"`
	} `yaml:"contest" json:"contest"`
	Aggregation struct {
		// IdleWindowMS is how long the buffer waits after the last fragment
		// before finalizing a batch that carried no explicit terminator.
		IdleWindowMS int `yaml:"idle_window_ms" json:"idle_window_ms"`
		FragmentCap  int `yaml:"fragment_cap" json:"fragment_cap"`
	} `yaml:"aggregation" json:"aggregation"`
	Review struct {
		// AutoAdvance presents the next queued submission right after a decision.
		AutoAdvance bool `yaml:"auto_advance" json:"auto_advance"`
	} `yaml:"review" json:"review"`
}

// Default returns the built-in contest configuration.
func Default(name string) *Config {
	var c Config
	c.Contest.Name = name
	c.Aggregation.IdleWindowMS = 1500
	c.Aggregation.FragmentCap = 10
	c.Review.AutoAdvance = true
	return &c
}

// IdleWindow returns the aggregation idle window as a duration.
func (c *Config) IdleWindow() time.Duration {
	return time.Duration(c.Aggregation.IdleWindowMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Contest.Name == "" {
		return fmt.Errorf("config.contest.name is required")
	}
	if c.Aggregation.IdleWindowMS <= 0 {
		return fmt.Errorf("config.aggregation.idle_window_ms must be positive")
	}
	if c.Aggregation.FragmentCap < 1 || c.Aggregation.FragmentCap > 10 {
		return fmt.Errorf("config.aggregation.fragment_cap must be in 1..10")
	}
	return nil
}

// Path returns the YAML config location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl contest config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates YAML config bytes.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromJSON parses and validates the DB-stored JSON form.
func FromJSON(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToJSON renders the config for DB storage.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}
