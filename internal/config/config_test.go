package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 4000 {
			t.Errorf("Load() port = %v, want 4000", cfg.Server.Port)
		}
		if cfg.Upstream.Timeout != 5*time.Second {
			t.Errorf("upstream timeout = %v, want 5s", cfg.Upstream.Timeout)
		}
		doctor := cfg.RateLimit.Classes["doctor"]
		if doctor.Window != 15*time.Minute || doctor.Max != 1000 {
			t.Errorf("doctor class = %+v", doctor)
		}
		if cfg.Complexity.Ceiling != 1500 || cfg.Complexity.Budgets["admin"] != 2000 {
			t.Errorf("complexity = %+v", cfg.Complexity)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Setenv("HOSPITAL_SERVER__PORT", "9000")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	})

	t.Run("file with substitution", func(t *testing.T) {
		t.Setenv("TEST_JWT_SECRET", "s3cret")
		path := writeConfig(t, `
environment: production
auth:
  primary_secret: ${TEST_JWT_SECRET}
rate_limit:
  store: redis
  classes:
    anonymous:
      max: 5
complexity:
  ceiling: 900
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Auth.PrimarySecret != "s3cret" {
			t.Errorf("primary secret = %q", cfg.Auth.PrimarySecret)
		}
		if !cfg.IsProduction() {
			t.Error("expected production")
		}
		anon := cfg.RateLimit.Classes["anonymous"]
		if anon.Max != 5 || anon.Window != 15*time.Minute {
			t.Errorf("anonymous class = %+v, want max 5 with default window", anon)
		}
		if cfg.Complexity.Ceiling != 900 {
			t.Errorf("ceiling = %d", cfg.Complexity.Ceiling)
		}
	})

	t.Run("invalid store", func(t *testing.T) {
		t.Setenv("HOSPITAL_RATE_LIMIT__STORE", "etcd")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error for unknown store")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "redis://${TEST_VAR}:6379", want: "redis://test-value:6379"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "complexity:\n  ceiling: 1500\n")

	w, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	if err := w.Watch(ctx, func(c *Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("complexity:\n  ceiling: 800\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Complexity.Ceiling == 800 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
