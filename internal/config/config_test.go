package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Address != ":8080" {
		t.Errorf("unexpected default address %q", cfg.HTTP.Address)
	}
	if cfg.Room.EvictAfter != 30*time.Minute {
		t.Errorf("unexpected default evict_after %v", cfg.Room.EvictAfter)
	}
	if cfg.WebSocket.Path != "/ws" {
		t.Errorf("unexpected default websocket path %q", cfg.WebSocket.Path)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when no JWT secret is configured")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("HTTP_ADDRESS", ":9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("http:\n  address: \":7777\"\nroom:\n  evict_after: 5m\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Environment beats the file.
	if cfg.HTTP.Address != ":9999" {
		t.Errorf("expected env override, got %q", cfg.HTTP.Address)
	}
	if cfg.Room.EvictAfter != 5*time.Minute {
		t.Errorf("expected file value 5m, got %v", cfg.Room.EvictAfter)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("secret not taken from env")
	}
}
