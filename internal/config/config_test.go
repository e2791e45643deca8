package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Cache.ConnectionCapacity <= 0 {
		t.Error("default connection capacity must be positive")
	}
	if cfg.Xrepo.ReferencePageLimit <= 0 {
		t.Error("default reference page limit must be positive")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadConfig(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.HTTP.Addr != DefaultConfig().HTTP.Addr {
			t.Errorf("expected default addr, got %s", cfg.HTTP.Addr)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, ".codeintel")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		content := `{"version": 1, "http": {"addr": "127.0.0.1:9999"}}`
		if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := LoadConfig(root)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.HTTP.Addr != "127.0.0.1:9999" {
			t.Errorf("expected overridden addr, got %s", cfg.HTTP.Addr)
		}
		// Untouched sections keep their defaults.
		if cfg.Cache.DocumentCapacity != DefaultConfig().Cache.DocumentCapacity {
			t.Errorf("expected default document capacity, got %d", cfg.Cache.DocumentCapacity)
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:4000"
	if err := cfg.Save(root); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := LoadConfig(root)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if loaded.HTTP.Addr != "127.0.0.1:4000" {
		t.Errorf("round trip lost addr: %s", loaded.HTTP.Addr)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.ConnectionCapacity = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Errorf("expected *ConfigError, got %T", err)
	}
}
