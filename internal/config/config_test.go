package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Expected postgres driver, got %q", cfg.Database.Driver)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("Expected json log format, got %q", cfg.Telemetry.LogFormat)
	}
	if cfg.Gateway.MaxQueryLength != 1000 || cfg.Gateway.MaxLimit != 100 {
		t.Errorf("Unexpected gateway defaults: %+v", cfg.Gateway)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("Expected defaults, got port %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		content := `
[server]
http_port = 9090

[database]
driver = "memory"

[gateway]
max_limit = 50
retry_attempts = 1
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.HTTPPort != 9090 {
			t.Errorf("Expected port 9090, got %d", cfg.Server.HTTPPort)
		}
		if cfg.Database.Driver != "memory" {
			t.Errorf("Expected memory driver, got %q", cfg.Database.Driver)
		}
		if cfg.Gateway.MaxLimit != 50 || cfg.Gateway.RetryAttempts != 1 {
			t.Errorf("Unexpected gateway values: %+v", cfg.Gateway)
		}
		// Untouched sections keep their defaults
		if cfg.Gateway.RequestTimeout != 15*time.Second {
			t.Errorf("Expected default request timeout, got %v", cfg.Gateway.RequestTimeout)
		}
	})

	t.Run("malformed file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte("[server\nbroken"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Expected a parse error")
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("TOOLGATE_DB_DRIVER", "memory")
		t.Setenv("TOOLGATE_HTTP_PORT", "7070")
		t.Setenv("TOOLGATE_ENCRYPTION_KEY", "from-env")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Database.Driver != "memory" {
			t.Errorf("Expected env driver override, got %q", cfg.Database.Driver)
		}
		if cfg.Server.HTTPPort != 7070 {
			t.Errorf("Expected env port override, got %d", cfg.Server.HTTPPort)
		}
		if cfg.Security.EncryptionKey != "from-env" {
			t.Errorf("Expected env encryption key, got %q", cfg.Security.EncryptionKey)
		}
	})

	t.Run("dollar patterns expand from the environment", func(t *testing.T) {
		t.Setenv("SECRET_FROM_VAULT", "s3cret")
		path := filepath.Join(t.TempDir(), "config.toml")
		content := `
[security]
app_secret = "${SECRET_FROM_VAULT}"
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Security.AppSecret != "s3cret" {
			t.Errorf("Expected expanded secret, got %q", cfg.Security.AppSecret)
		}
	})
}

func TestGetDSN(t *testing.T) {
	t.Run("explicit DSN wins", func(t *testing.T) {
		d := DatabaseConfig{DSN: "postgres://u:p@db/x", Host: "ignored"}
		if got := d.GetDSN(); got != "postgres://u:p@db/x" {
			t.Errorf("Expected explicit DSN, got %q", got)
		}
	})

	t.Run("assembled from parts", func(t *testing.T) {
		d := Default().Database
		want := "host=localhost port=5432 user=postgres password=postgres dbname=toolgate sslmode=disable"
		if got := d.GetDSN(); got != want {
			t.Errorf("GetDSN = %q, want %q", got, want)
		}
	})
}
