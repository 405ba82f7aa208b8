package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.GatewayURL = "wss://staging.example/ws"
	cfg.Uploads.MaxInFlight = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.GatewayURL != "wss://staging.example/ws" {
		t.Errorf("GatewayURL = %q, want staging URL", loaded.GatewayURL)
	}
	if loaded.Uploads.MaxInFlight != 3 {
		t.Errorf("MaxInFlight = %d, want 3", loaded.Uploads.MaxInFlight)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("gateway_url = \"wss://x/ws\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.AckTimeoutSec != Default().Chat.AckTimeoutSec {
		t.Errorf("AckTimeoutSec = %d, want default", cfg.Chat.AckTimeoutSec)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.EditWindow() != 15*time.Minute {
		t.Errorf("EditWindow() = %v, want 15m", cfg.EditWindow())
	}
	if cfg.AckTimeout() != 20*time.Second {
		t.Errorf("AckTimeout() = %v, want 20s", cfg.AckTimeout())
	}
	if cfg.InitialBackoff() != 500*time.Millisecond {
		t.Errorf("InitialBackoff() = %v, want 500ms", cfg.InitialBackoff())
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
