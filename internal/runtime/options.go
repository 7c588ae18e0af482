package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/travel-agent-relay/internal/adapters/auth/apikey"
	"github.com/tjfontaine/travel-agent-relay/internal/adapters/config/file"
	"github.com/tjfontaine/travel-agent-relay/internal/adapters/events/direct"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
	"github.com/tjfontaine/travel-agent-relay/internal/storage/memory"
	"github.com/tjfontaine/travel-agent-relay/internal/storage/sqldb"
)

// Option is a functional option for configuring a Relay.
type Option func(*Relay) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(r *Relay) error {
		provider, err := file.NewProvider(path, file.WithLogger(r.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		r.config = provider
		return nil
	}
}

// WithAPIKeyAuth authenticates with the principals listed in configuration.
// The key table follows config reloads.
func WithAPIKeyAuth() Option {
	return func(r *Relay) error {
		provider, err := apikey.NewProvider(nil)
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		r.auth = provider
		r.authFromConfig = true
		return nil
	}
}

// WithTrustedHeaderAuth takes the principal from a header set by an
// authenticating proxy.
func WithTrustedHeaderAuth(header string) Option {
	return func(r *Relay) error {
		if header == "" {
			return fmt.Errorf("trusted header name is required")
		}
		r.auth = apikey.TrustedHeader{Header: header}
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(r *Relay) error {
		store, err := openSQLite(path)
		if err != nil {
			return err
		}
		r.storage = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage.
// Recommended for replicated deployments.
func WithPostgres(dsn string) Option {
	return withSQL("postgres", dsn)
}

// WithMySQL uses MySQL storage. The DSN must set parseTime=true.
func WithMySQL(dsn string) Option {
	return withSQL("mysql", dsn)
}

func withSQL(driver, dsn string) Option {
	return func(r *Relay) error {
		if dsn == "" {
			return fmt.Errorf("%s dsn is required", driver)
		}
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create %s storage: %w", driver, err)
		}
		r.storage = store
		return nil
	}
}

// WithMemoryStorage keeps all state in process. Nothing survives a restart
// and the single-producer rule only holds within one process.
func WithMemoryStorage() Option {
	return func(r *Relay) error {
		r.storage = memory.New()
		return nil
	}
}

// WithDirectEvents logs lifecycle events through the relay logger (default).
func WithDirectEvents() Option {
	return func(r *Relay) error {
		r.events = direct.NewPublisher(r.logger)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithLogLevel lets configuration reloads change the level of the handler
// behind the relay logger.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(r *Relay) error {
		r.logLevel = level
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(r *Relay) error {
		r.listener = ln
		return nil
	}
}

// WithMetricsRegistry registers the relay collectors on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(r *Relay) error {
		r.promRegistry = reg
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(r *Relay) error {
		r.config = provider
		return nil
	}
}

// WithAuthProvider sets a custom auth provider.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(r *Relay) error {
		r.auth = provider
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(r *Relay) error {
		r.storage = provider
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(r *Relay) error {
		r.events = publisher
		return nil
	}
}

// WithEngine sets the reasoning engine instead of building one from config.
func WithEngine(engine ports.Engine) Option {
	return func(r *Relay) error {
		r.engine = engine
		return nil
	}
}

// openStorage builds the storage selected by configuration.
func openStorage(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return openSQLite(cfg.SQLite.Path)
	case "postgres", "mysql":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = cfg.Type
		}
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("storage.database.dsn is required for %s", cfg.Type)
		}
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
		if err != nil {
			return nil, fmt.Errorf("create %s storage: %w", cfg.Type, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
}

func openSQLite(path string) (*sqldb.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("create sqlite storage: %w", err)
	}
	return store, nil
}
