package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RateLimits.ProveIdentity.Limit != 10 || cfg.RateLimits.ProveIdentity.Window.Std() != time.Minute {
		t.Fatalf("unexpected default limits: %+v", cfg.RateLimits)
	}
	if cfg.Relays.PublishTimeout.Std() != 10*time.Second {
		t.Fatalf("unexpected default publish timeout: %s", cfg.Relays.PublishTimeout.Std())
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
database:
  dsn: postgres://localhost/devstr
relays:
  endpoints:
    - wss://relay-a.example
    - wss://relay-b.example
rateLimits:
  proveIdentity:
    limit: 3
    window: 30s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.DSN != "postgres://localhost/devstr" {
		t.Fatalf("dsn not applied: %q", cfg.Database.DSN)
	}
	if len(cfg.Relays.Endpoints) != 2 {
		t.Fatalf("relays not applied: %v", cfg.Relays.Endpoints)
	}
	if cfg.RateLimits.ProveIdentity.Limit != 3 || cfg.RateLimits.ProveIdentity.Window.Std() != 30*time.Second {
		t.Fatalf("limits not applied: %+v", cfg.RateLimits.ProveIdentity)
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimits.ResumeSession.Limit != 30 {
		t.Fatalf("defaults lost in merge: %+v", cfg.RateLimits.ResumeSession)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  dsn: from-yaml\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEVSTR_DATABASE_URL", "from-env")
	t.Setenv("DEVSTR_RELAYS", "wss://x.example, wss://y.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.DSN != "from-env" {
		t.Fatalf("env override lost: %q", cfg.Database.DSN)
	}
	if len(cfg.Relays.Endpoints) != 2 || cfg.Relays.Endpoints[1] != "wss://y.example" {
		t.Fatalf("relay env override lost: %v", cfg.Relays.Endpoints)
	}
}

func TestOperatorKeyBytes(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}

	for name, encoded := range map[string]string{
		"hex":    hex.EncodeToString(raw),
		"base64": base64.StdEncoding.EncodeToString(raw),
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Custody: CustodyConfig{OperatorKey: encoded}}
			got, err := cfg.OperatorKeyBytes()
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(got) != 32 {
				t.Fatalf("wrong key length: %d", len(got))
			}
		})
	}

	t.Run("empty", func(t *testing.T) {
		got, err := Config{}.OperatorKeyBytes()
		if err != nil || got != nil {
			t.Fatalf("empty key should be nil, got %v %v", got, err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		cfg := Config{Custody: CustodyConfig{OperatorKey: hex.EncodeToString(raw[:16])}}
		if _, err := cfg.OperatorKeyBytes(); !errors.Is(err, ErrInvalidOperatorKey) {
			t.Fatalf("expected ErrInvalidOperatorKey, got %v", err)
		}
	})
}

func TestValidateRejectsNonWebsocketRelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relays.Endpoints = []string{"https://relay.example"}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidRelayURL) {
		t.Fatalf("expected ErrInvalidRelayURL, got %v", err)
	}

	cfg.Relays.Endpoints = []string{"wss://relay.example"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("wss endpoint should validate: %v", err)
	}
}
