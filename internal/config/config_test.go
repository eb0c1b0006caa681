package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.ChatSessionTTL != 15*time.Minute {
		t.Fatalf("unexpected chat session ttl %s", cfg.ChatSessionTTL)
	}
	if cfg.LocalTranscriptTTL != 30*24*time.Hour {
		t.Fatalf("unexpected local transcript ttl %s", cfg.LocalTranscriptTTL)
	}
	if cfg.DuplicateWindow != 5000 || !cfg.PushEnabled {
		t.Fatalf("unexpected chat defaults: %+v", cfg)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("CHAT_SESSION_TTL", "2m")
	t.Setenv("DUPLICATE_WINDOW", "0")
	t.Setenv("PUSH_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.ChatSessionTTL != 2*time.Minute {
		t.Fatalf("unexpected chat session ttl %s", cfg.ChatSessionTTL)
	}
	if cfg.DuplicateWindow != 0 || cfg.PushEnabled {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insights.yaml")
	body := "api_addr: \":9000\"\ncompletion_url: http://completion.internal/send\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("API_ADDR", ":9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CompletionURL != "http://completion.internal/send" {
		t.Fatalf("unexpected completion url %q", cfg.CompletionURL)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("environment should win over file, got %q", cfg.Addr)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
