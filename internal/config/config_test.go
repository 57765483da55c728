package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sync.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %s", cfg.Sync.PollInterval)
	}
	if cfg.Delivery.IntentThreshold != 80 || cfg.Delivery.MaxRetries != 3 {
		t.Fatalf("delivery defaults = %+v", cfg.Delivery)
	}
	if cfg.Delivery.BackoffBase != 2*time.Second {
		t.Fatalf("backoff base = %s", cfg.Delivery.BackoffBase)
	}
	if cfg.Timeouts.Submit != 10*time.Second || cfg.Timeouts.Pull != 10*time.Second || cfg.Timeouts.Delivery != 10*time.Second {
		t.Fatalf("timeouts = %+v", cfg.Timeouts)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("delivery:\n  intent_threshold: 90\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Delivery.IntentThreshold != 90 {
		t.Fatalf("threshold = %d", cfg.Delivery.IntentThreshold)
	}
	if cfg.Delivery.MaxRetries != 3 {
		t.Fatalf("unset keys should keep defaults, got %d", cfg.Delivery.MaxRetries)
	}
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	if _, err := FromYAML([]byte("delivery:\n  intent_threshold: 120\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "missionline.yml"), []byte("sync:\n  failure_threshold: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MISSIONLINE_SYNC_POLL_INTERVAL", "750ms")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.FailureThreshold != 5 {
		t.Fatalf("failure threshold = %d", cfg.Sync.FailureThreshold)
	}
	if cfg.Sync.PollInterval != 750*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.Sync.PollInterval)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Results.HighIntentThreshold != 80 {
		t.Fatalf("high intent threshold = %d", cfg.Results.HighIntentThreshold)
	}
}
