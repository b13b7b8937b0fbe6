package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromYAMLParsesDurations(t *testing.T) {
	doc := `
rewards:
  backoff: 250ms
  lease_ttl: 90s
quests:
  dispute_window: 72h
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Rewards.Backoff.D() != 250*time.Millisecond {
		t.Fatalf("backoff = %s", cfg.Rewards.Backoff.D())
	}
	if cfg.Rewards.LeaseTTL.D() != 90*time.Second {
		t.Fatalf("lease_ttl = %s", cfg.Rewards.LeaseTTL.D())
	}
	if cfg.Quests.DisputeWindow.D() != 72*time.Hour {
		t.Fatalf("dispute_window = %s", cfg.Quests.DisputeWindow.D())
	}
	// Unset fields keep defaults.
	if cfg.Rewards.MaxRetries != 5 {
		t.Fatalf("max_retries = %d", cfg.Rewards.MaxRetries)
	}
	if cfg.Users.InitialCreationBalance != 5 {
		t.Fatalf("initial_creation_balance = %d", cfg.Users.InitialCreationBalance)
	}
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	if _, err := FromYAML([]byte("rewards:\n  typo_field: 1\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	_, err := FromYAML([]byte("rewards:\n  backoff: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("bad duration: %v", err)
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero attempts", func(c *Config) { c.Rewards.LocalAttempts = 0 }, "local_attempts"},
		{"negative backoff", func(c *Config) { c.Rewards.Backoff = Duration(-time.Second) }, "backoff"},
		{"zero retries", func(c *Config) { c.Rewards.MaxRetries = 0 }, "max_retries"},
		{"zero lease", func(c *Config) { c.Rewards.LeaseTTL = 0 }, "lease_ttl"},
		{"zero batch", func(c *Config) { c.Rewards.SweepBatch = 0 }, "sweep_batch"},
		{"zero open ttl", func(c *Config) { c.Quests.OpenTTL = 0 }, "open_ttl"},
		{"zero dispute window", func(c *Config) { c.Quests.DisputeWindow = 0 }, "dispute_window"},
		{"negative balance", func(c *Config) { c.Users.InitialCreationBalance = -1 }, "initial_creation_balance"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	cfg := Default()
	cfg.Quests.DisputeWindow = Duration(24 * time.Hour)
	cfg.Webhooks = []WebhookConfig{{URL: "https://example.com/hook", Events: []string{"reward.abandoned"}}}
	if err := Write(ws, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Quests.DisputeWindow.D() != 24*time.Hour {
		t.Fatalf("round-trip dispute_window = %s", got.Quests.DisputeWindow.D())
	}
	if len(got.Webhooks) != 1 || got.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("round-trip webhooks = %+v", got.Webhooks)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rewards.SweepBatch != 100 || cfg.Quests.ExpireInterval.D() != time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
