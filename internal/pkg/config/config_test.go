package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Stream.IdleTimeout != 2*time.Minute {
			t.Errorf("idle timeout = %v, want 2m", cfg.Stream.IdleTimeout)
		}
		if cfg.Storage.Type != "sqlite" {
			t.Errorf("storage type = %v, want sqlite", cfg.Storage.Type)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("RELAY_SERVER__PORT", "9000")
		t.Setenv("RELAY_APPROVAL__DEFAULT_DEADLINE", "90s")

		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Approval.DefaultDeadline != 90*time.Second {
			t.Errorf("default deadline = %v, want 90s", cfg.Approval.DefaultDeadline)
		}
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
storage:
  type: memory
stream:
  replay_window: 16
auth:
  mode: apikey
  principals:
    - id: alice
      key_hash: abc123
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Storage.Type != "memory" {
			t.Errorf("storage type = %v, want memory", cfg.Storage.Type)
		}
		if cfg.Stream.ReplayWindow != 16 {
			t.Errorf("replay window = %v, want 16", cfg.Stream.ReplayWindow)
		}
		if len(cfg.Auth.Principals) != 1 || cfg.Auth.Principals[0].ID != "alice" {
			t.Errorf("principals = %+v, want [alice]", cfg.Auth.Principals)
		}
	})

	t.Run("invalid storage type", func(t *testing.T) {
		t.Setenv("RELAY_STORAGE__TYPE", "cassandra")

		if _, err := LoadFile(""); err == nil {
			t.Fatal("LoadFile() error = nil, want unsupported storage type")
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
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "postgres://relay:${TEST_VAR}@db/relay",
			want:  "postgres://relay:test-value@db/relay",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
