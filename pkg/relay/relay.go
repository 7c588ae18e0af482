// Package relay provides the public API for embedding the session stream relay.
// This is the stable API for external consumers.
package relay

import (
	"github.com/tjfontaine/travel-agent-relay/internal/runtime"
)

// Relay is the main entry point for running the session stream relay.
// See internal/runtime.Relay for full documentation.
type Relay = runtime.Relay

// Option is a functional option for configuring a Relay.
type Option = runtime.Option

// New creates a new Relay with the given options.
// Example:
//
//	r, err := relay.New(
//	    relay.WithFileConfig("config.yaml"),
//	    relay.WithSQLite("./data/relay.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig

	// Authentication
	WithAPIKeyAuth        = runtime.WithAPIKeyAuth
	WithTrustedHeaderAuth = runtime.WithTrustedHeaderAuth

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithPostgres      = runtime.WithPostgres
	WithMySQL         = runtime.WithMySQL
	WithMemoryStorage = runtime.WithMemoryStorage

	// Events
	WithDirectEvents = runtime.WithDirectEvents

	// Advanced options
	WithLogger          = runtime.WithLogger
	WithLogLevel        = runtime.WithLogLevel
	WithListener        = runtime.WithListener
	WithMetricsRegistry = runtime.WithMetricsRegistry
	WithConfigProvider  = runtime.WithConfigProvider
	WithAuthProvider    = runtime.WithAuthProvider
	WithStorageProvider = runtime.WithStorageProvider
	WithEventPublisher  = runtime.WithEventPublisher
	WithEngine          = runtime.WithEngine
)
