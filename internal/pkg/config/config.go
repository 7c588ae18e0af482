package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, e.g. RELAY_STREAM__IDLE_TIMEOUT=2m.
const EnvPrefix = "RELAY_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Engine     EngineConfig     `koanf:"engine"`
	Stream     StreamConfig     `koanf:"stream"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Auth       AuthConfig       `koanf:"auth"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Tokens     TokensConfig     `koanf:"tokens"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"` // Non-streaming routes only
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // sqlite, postgres, mysql, memory
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Database DatabaseConfig `koanf:"database"`
	LeaseTTL time.Duration  `koanf:"lease_ttl"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type EngineConfig struct {
	BaseURL        string        `koanf:"base_url"` // Empty selects the built-in echo engine
	APIKey         string        `koanf:"api_key"`
	ConnectRetries int           `koanf:"connect_retries"`
	Timeout        time.Duration `koanf:"timeout"` // Connect timeout, not stream lifetime

	// ApprovalPrefix makes the echo engine interrupt on matching messages.
	ApprovalPrefix string `koanf:"approval_prefix"`
}

type StreamConfig struct {
	ReplayWindow     int           `koanf:"replay_window"`     // Events retained per session for late joiners
	SubscriberBuffer int           `koanf:"subscriber_buffer"` // Per-subscriber channel capacity
	IdleTimeout      time.Duration `koanf:"idle_timeout"`      // Producer cancelled after last subscriber leaves
	RetainAfterClose time.Duration `koanf:"retain_after_close"`
}

type ApprovalConfig struct {
	DefaultDeadline time.Duration `koanf:"default_deadline"`
	SweepSchedule   string        `koanf:"sweep_schedule"` // cron spec, e.g. "@every 30s"
	PollInterval    time.Duration `koanf:"poll_interval"`  // Cross-process resolution polling
}

type CheckpointConfig struct {
	KeepLast        int    `koanf:"keep_last"`
	MaxBytes        int64  `koanf:"max_bytes"`
	CompactSchedule string `koanf:"compact_schedule"`
}

type AuthConfig struct {
	Mode       string            `koanf:"mode"`   // apikey, header, none
	Header     string            `koanf:"header"` // Trusted principal header for mode=header
	Principals []PrincipalConfig `koanf:"principals"`
}

type PrincipalConfig struct {
	ID          string `koanf:"id"`
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type TokensConfig struct {
	Encoding string `koanf:"encoding"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                 8080,
	"server.request_timeout":      "30s",
	"storage.type":                "sqlite",
	"storage.sqlite.path":         "./data/relay.db",
	"storage.lease_ttl":           "30s",
	"engine.connect_retries":      3,
	"engine.timeout":              "10s",
	"engine.approval_prefix":      "book ",
	"stream.replay_window":        512,
	"stream.subscriber_buffer":    64,
	"stream.idle_timeout":         "2m",
	"stream.retain_after_close":   "30s",
	"approval.default_deadline":   "15m",
	"approval.sweep_schedule":     "@every 30s",
	"approval.poll_interval":      "2s",
	"checkpoint.keep_last":        20,
	"checkpoint.compact_schedule": "@every 10m",
	"auth.mode":                   "apikey",
	"auth.header":                 "X-Principal-ID",
	"log.level":                   "info",
	"telemetry.service_name":      "travel-agent-relay",
	"tokens.encoding":             "cl100k_base",
}

// Load reads config.yaml from the working directory (if present) and applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads the given YAML file (if present) and applies environment
// overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	return unmarshal(k)
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	cfg, err := unmarshal(koanf.New("."))
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Engine.APIKey = substituteEnvVars(cfg.Engine.APIKey)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	switch c.Auth.Mode {
	case "apikey", "header", "none":
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Auth.Mode)
	}
	if c.Stream.ReplayWindow <= 0 {
		return fmt.Errorf("stream.replay_window must be positive")
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("stream.subscriber_buffer must be positive")
	}
	if c.Storage.LeaseTTL <= 0 {
		return fmt.Errorf("storage.lease_ttl must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
