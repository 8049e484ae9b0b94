package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Queue.MaxRetries != 1 || cfg.Queue.Backend != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Progress.LatestTTL() != time.Hour {
		t.Fatalf("expected 1h latest ttl, got %s", cfg.Progress.LatestTTL())
	}
	if cfg.Queue.Workers["encode"] != 2 || len(cfg.Queue.Workers) != 1 {
		t.Fatalf("expected default workers, got %v", cfg.Queue.Workers)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
queue:
  backend: redis
  retry_delay_ms: 250
  workers:
    accelerator: 2
translate:
  model: llama3.1:8b
  rate_limit_rpm: 30
`)
	t.Setenv("FUSIONN_AUTOSUB_QUEUE_MAX_RETRIES", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.RetryDelay() != 250*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("env override not applied, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.Workers["accelerator"] != 2 {
		t.Fatalf("expected 2 accelerator workers, got %v", cfg.Queue.Workers)
	}
	if cfg.Translate.Model != "llama3.1:8b" || cfg.Translate.RateLimitRPM != 30 || cfg.Translate.BatchSize != 8 {
		t.Fatalf("unexpected translate config: %+v", cfg.Translate)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "store:\n  driver: postgres\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown store driver")
	}
}

func TestManagerReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "translate:\n  rate_limit_rpm: 10\n")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Stop()

	var got int
	m.OnChange(func(old, cur *Config) {
		if old.Translate.RateLimitRPM != 10 {
			t.Errorf("old value = %d, want 10", old.Translate.RateLimitRPM)
		}
		got = cur.Translate.RateLimitRPM
	})

	writeConfig(t, dir, "translate:\n  rate_limit_rpm: 60\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	if !m.checkForChanges() {
		t.Fatal("expected a reload")
	}
	if got != 60 || m.Get().Translate.RateLimitRPM != 60 {
		t.Fatalf("expected 60 after reload, callback saw %d", got)
	}
	if m.checkForChanges() {
		t.Fatal("unchanged file should not reload")
	}
}
