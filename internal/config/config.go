package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses from YAML strings like "2m" or "48h".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config models questline.yml.
type Config struct {
	Rewards struct {
		// LocalAttempts bounds the inline retry budget before a failed
		// application is queued as a FailedReward.
		LocalAttempts int      `yaml:"local_attempts"`
		Backoff       Duration `yaml:"backoff"`
		// MaxRetries bounds reprocessor attempts before a pending
		// FailedReward is abandoned.
		MaxRetries    int      `yaml:"max_retries"`
		LeaseTTL      Duration `yaml:"lease_ttl"`
		SweepInterval Duration `yaml:"sweep_interval"`
		SweepBatch    int      `yaml:"sweep_batch"`
	} `yaml:"rewards"`
	Quests struct {
		// OpenTTL and ClaimedTTL are the inactivity windows after which an
		// unclaimed or unsubmitted quest is expired by the sweep.
		OpenTTL        Duration `yaml:"open_ttl"`
		ClaimedTTL     Duration `yaml:"claimed_ttl"`
		DisputeWindow  Duration `yaml:"dispute_window"`
		ExpireInterval Duration `yaml:"expire_interval"`
	} `yaml:"quests"`
	Users struct {
		InitialCreationBalance int `yaml:"initial_creation_balance"`
		QuestCreationCost      int `yaml:"quest_creation_cost"`
	} `yaml:"users"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one operational event sink.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

const fileName = "questline.yml"

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".questline", fileName)
}

// Default returns the built-in policy values.
func Default() *Config {
	var c Config
	c.Rewards.LocalAttempts = 3
	c.Rewards.Backoff = Duration(50 * time.Millisecond)
	c.Rewards.MaxRetries = 5
	c.Rewards.LeaseTTL = Duration(2 * time.Minute)
	c.Rewards.SweepInterval = Duration(15 * time.Minute)
	c.Rewards.SweepBatch = 100
	c.Quests.OpenTTL = Duration(14 * 24 * time.Hour)
	c.Quests.ClaimedTTL = Duration(7 * 24 * time.Hour)
	c.Quests.DisputeWindow = Duration(48 * time.Hour)
	c.Quests.ExpireInterval = Duration(time.Hour)
	c.Users.InitialCreationBalance = 5
	c.Users.QuestCreationCost = 1
	return &c
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Unset fields keep the
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists the config to the workspace.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate ensures every policy bound is finite and positive.
func (c *Config) Validate() error {
	if c.Rewards.LocalAttempts < 1 {
		return fmt.Errorf("rewards.local_attempts must be >= 1")
	}
	if c.Rewards.Backoff <= 0 {
		return fmt.Errorf("rewards.backoff must be positive")
	}
	if c.Rewards.MaxRetries < 1 {
		return fmt.Errorf("rewards.max_retries must be >= 1")
	}
	if c.Rewards.LeaseTTL <= 0 {
		return fmt.Errorf("rewards.lease_ttl must be positive")
	}
	if c.Rewards.SweepInterval <= 0 {
		return fmt.Errorf("rewards.sweep_interval must be positive")
	}
	if c.Rewards.SweepBatch < 1 {
		return fmt.Errorf("rewards.sweep_batch must be >= 1")
	}
	if c.Quests.OpenTTL <= 0 || c.Quests.ClaimedTTL <= 0 {
		return fmt.Errorf("quests.open_ttl and quests.claimed_ttl must be positive")
	}
	if c.Quests.DisputeWindow <= 0 {
		return fmt.Errorf("quests.dispute_window must be positive")
	}
	if c.Quests.ExpireInterval <= 0 {
		return fmt.Errorf("quests.expire_interval must be positive")
	}
	if c.Users.InitialCreationBalance < 0 {
		return fmt.Errorf("users.initial_creation_balance must be >= 0")
	}
	if c.Users.QuestCreationCost < 0 {
		return fmt.Errorf("users.quest_creation_cost must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}
