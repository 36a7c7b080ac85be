package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Stores.Type != StoresTypeMemory {
		t.Errorf("expected default stores type %s, got %s", StoresTypeMemory, cfg.Stores.Type)
	}
	if cfg.Auth.Type != AuthTypeNoop {
		t.Errorf("expected default auth type %s, got %s", AuthTypeNoop, cfg.Auth.Type)
	}
	if cfg.Stream.SubscriberBuffer != 64 {
		t.Errorf("expected default subscriber buffer 64, got %d", cfg.Stream.SubscriberBuffer)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SESSIOND_SERVER_PORT", "9191")
	t.Setenv("SESSIOND_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("expected port 9191 from env, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug from env, got %s", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("SESSIOND_STORES_TYPE", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported stores type")
	}
}
