package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sozledger.yml.
type Config struct {
	Ledger struct {
		ID string `yaml:"id"`
	} `yaml:"ledger"`
	Scoring  ScoringPolicy  `yaml:"scoring"`
	Webhooks DeliveryPolicy `yaml:"webhooks"`
}

// ScoringPolicy holds the tunables of the trust score computation. A
// change to any of these should bump Version so historical snapshots
// stay interpretable.
type ScoringPolicy struct {
	Version       string      `yaml:"version"`
	MinPromises   int         `yaml:"min_promises"`
	FulfillWeight float64     `yaml:"fulfill_weight"`
	StreakWeight  float64     `yaml:"streak_weight"`
	DelayWeight   float64     `yaml:"delay_weight"`
	StreakCap     int         `yaml:"streak_cap"`
	GraceHours    float64     `yaml:"grace_hours"`
	Levels        []LevelBand `yaml:"levels"`
}

// LevelBand maps a score range to a named trust level. Bands are
// evaluated in order; the first band whose Below exceeds the score
// wins, and the last band must have Below == 0 meaning "everything
// else".
type LevelBand struct {
	Name  string  `yaml:"name"`
	Below float64 `yaml:"below"`
}

// DeliveryPolicy controls webhook dispatch retries.
type DeliveryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffSeconds    float64 `yaml:"backoff_seconds"`
	MaxBackoffSeconds float64 `yaml:"max_backoff_seconds"`
	TimeoutSeconds    float64 `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with soz config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("soz-ledger"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.ID == "" {
		return fmt.Errorf("config.ledger.id is required")
	}
	s := c.Scoring
	if s.Version == "" {
		return fmt.Errorf("config.scoring.version is required")
	}
	if s.MinPromises < 1 {
		return fmt.Errorf("config.scoring.min_promises must be at least 1")
	}
	if s.FulfillWeight < 0 || s.StreakWeight < 0 || s.DelayWeight < 0 {
		return fmt.Errorf("config.scoring weights must not be negative")
	}
	sum := s.FulfillWeight + s.StreakWeight + s.DelayWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config.scoring weights must sum to 1.0, got %.3f", sum)
	}
	if s.StreakCap < 1 {
		return fmt.Errorf("config.scoring.streak_cap must be at least 1")
	}
	if s.GraceHours <= 0 {
		return fmt.Errorf("config.scoring.grace_hours must be positive")
	}
	if len(s.Levels) < 2 {
		return fmt.Errorf("config.scoring.levels needs at least two bands")
	}
	prev := 0.0
	for i, band := range s.Levels {
		if band.Name == "" {
			return fmt.Errorf("config.scoring.levels[%d] has empty name", i)
		}
		last := i == len(s.Levels)-1
		if last {
			if band.Below != 0 {
				return fmt.Errorf("last level band %s must omit 'below'", band.Name)
			}
			continue
		}
		if band.Below <= prev {
			return fmt.Errorf("level band %s: 'below' must increase, got %.1f after %.1f", band.Name, band.Below, prev)
		}
		prev = band.Below
	}
	w := c.Webhooks
	if w.MaxAttempts < 1 {
		return fmt.Errorf("config.webhooks.max_attempts must be at least 1")
	}
	if w.BackoffSeconds <= 0 {
		return fmt.Errorf("config.webhooks.backoff_seconds must be positive")
	}
	if w.MaxBackoffSeconds < w.BackoffSeconds {
		return fmt.Errorf("config.webhooks.max_backoff_seconds must be >= backoff_seconds")
	}
	if w.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.webhooks.timeout_seconds must be positive")
	}
	return nil
}

// Level returns the trust level name for a score under this policy.
func (s ScoringPolicy) Level(score float64) string {
	for i, band := range s.Levels {
		if i == len(s.Levels)-1 {
			return band.Name
		}
		if score < band.Below {
			return band.Name
		}
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sozledger.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ledgerID string) string {
	return fmt.Sprintf(defaultTemplate, ledgerID)
}

// Default returns the default Config struct for a ledger.
func Default(ledgerID string) *Config {
	var cfg Config
	cfg.Ledger.ID = ledgerID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ledgerID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  id: %s

scoring:
  version: v1
  min_promises: 3
  fulfill_weight: 0.6
  streak_weight: 0.25
  delay_weight: 0.15
  streak_cap: 10
  grace_hours: 24

  levels:
    - name: "Low Trust"
      below: 40
    - name: "Developing"
      below: 70
    - name: "Reliable"
      below: 88
    - name: "High Trust"
      below: 97
    - name: "Exceptional"

webhooks:
  max_attempts: 5
  backoff_seconds: 2
  max_backoff_seconds: 60
  timeout_seconds: 10
`
