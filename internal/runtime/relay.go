// Package runtime provides the Relay struct and lifecycle management for the
// session stream relay.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/travel-agent-relay/internal/adapters/auth/apikey"
	"github.com/tjfontaine/travel-agent-relay/internal/adapters/events/direct"
	"github.com/tjfontaine/travel-agent-relay/internal/api/relay"
	"github.com/tjfontaine/travel-agent-relay/internal/approval"
	"github.com/tjfontaine/travel-agent-relay/internal/checkpoint"
	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/engine"
	"github.com/tjfontaine/travel-agent-relay/internal/metrics"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
	"github.com/tjfontaine/travel-agent-relay/internal/registry"
	"github.com/tjfontaine/travel-agent-relay/internal/server"
	"github.com/tjfontaine/travel-agent-relay/internal/session"
	"github.com/tjfontaine/travel-agent-relay/internal/stream"
	"github.com/tjfontaine/travel-agent-relay/internal/tokens"
)

// sweepTimeout bounds one run of a background sweep.
const sweepTimeout = time.Minute

// Relay is the main entry point for running the session stream relay.
// It manages configuration, storage, the orchestrator, background sweeps and
// the HTTP server lifecycle. Relay can be embedded in larger applications or
// run standalone.
type Relay struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	auth    ports.AuthProvider
	storage ports.StorageProvider
	events  ports.EventPublisher
	engine  ports.Engine

	authFromConfig bool
	logger         *slog.Logger
	logLevel       *slog.LevelVar
	listener       net.Listener
	promRegistry   *prometheus.Registry

	// Built by Start
	cfg         *config.Config
	metrics     *metrics.Metrics
	checkpoints *checkpoint.Store
	approvals   *approval.Coordinator
	streams     *stream.Multiplexer
	orch        *session.Orchestrator
	server      *server.Server
	cron        *cron.Cron

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	mu      sync.Mutex

	// cfgMu guards cfg once serving; reloads and sweeps must not contend
	// with Shutdown, which holds mu while sweeps drain.
	cfgMu sync.RWMutex
}

// New creates a new Relay with the given options. Storage, authentication
// and the engine not supplied as options are built from configuration at
// Start.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if r.events == nil {
		r.events = direct.NewPublisher(r.logger)
	}
	return r, nil
}

// Start loads configuration, wires the relay and begins serving. It returns
// once the listener is bound; serving continues in the background until
// Shutdown.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("relay already started")
	}

	cfg, err := r.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	r.cfg = cfg
	r.applyLogLevel(cfg.Log.Level)

	if err := r.initDependencies(cfg); err != nil {
		return err
	}
	if err := r.initComponents(cfg); err != nil {
		return err
	}
	if err := r.initSweeps(cfg); err != nil {
		return err
	}

	ln := r.listener
	if ln == nil {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
		}
	}
	r.listener = ln

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.group, _ = errgroup.WithContext(r.ctx)
	r.group.Go(func() error {
		return r.server.Serve(ln)
	})
	r.group.Go(func() error {
		// Expire approvals a previous process left overdue.
		r.sweepApprovals()
		return nil
	})

	if err := r.config.Watch(r.ctx, r.onConfigChange); err != nil {
		r.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}
	r.cron.Start()
	r.started = true

	r.logger.Info("relay started",
		slog.String("addr", ln.Addr().String()),
		slog.String("storage", cfg.Storage.Type),
		slog.String("auth", cfg.Auth.Mode),
		slog.Bool("echo_engine", cfg.Engine.BaseURL == ""),
	)
	return nil
}

func (r *Relay) initDependencies(cfg *config.Config) error {
	if r.storage == nil {
		store, err := openStorage(cfg.Storage)
		if err != nil {
			return err
		}
		r.storage = store
	}

	if r.auth == nil {
		provider, err := apikey.NewFromConfig(cfg.Auth)
		if err != nil {
			return fmt.Errorf("create auth provider: %w", err)
		}
		r.auth = provider
		r.authFromConfig = cfg.Auth.Mode == "apikey"
	} else if r.authFromConfig {
		r.reloadAuth(cfg)
	}

	if r.engine == nil {
		r.engine = engine.CreateFromConfig(cfg.Engine, r.logger)
	}
	return nil
}

func (r *Relay) initComponents(cfg *config.Config) error {
	r.metrics = metrics.New(r.promRegistry)

	reg, err := registry.New(registry.Config{Store: r.storage, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	r.checkpoints = checkpoint.New(checkpoint.Config{
		Backend:  r.storage,
		LeaseTTL: cfg.Storage.LeaseTTL,
		Logger:   r.logger,
		Metrics:  r.metrics,
	})
	r.approvals = approval.New(approval.Config{
		Store:           r.storage,
		DefaultDeadline: cfg.Approval.DefaultDeadline,
		PollInterval:    cfg.Approval.PollInterval,
		Logger:          r.logger,
		Metrics:         r.metrics,
	})
	r.streams = stream.New(stream.Config{
		Leases:           r.storage,
		Checkpoints:      r.checkpoints,
		ReplayWindow:     cfg.Stream.ReplayWindow,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		IdleTimeout:      cfg.Stream.IdleTimeout,
		RetainAfterClose: cfg.Stream.RetainAfterClose,
		LeaseTTL:         cfg.Storage.LeaseTTL,
		Logger:           r.logger,
		Metrics:          r.metrics,
	})

	r.orch, err = session.New(session.Config{
		Registry:    reg,
		Checkpoints: r.checkpoints,
		Streams:     r.streams,
		Approvals:   r.approvals,
		Engine:      r.engine,
		Events:      r.events,
		Tokens:      tokens.New(cfg.Tokens.Encoding, r.logger),
		Metrics:     r.metrics,
		Logger:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	r.server = server.New(cfg.Server.Port, r.logger, cfg.Telemetry.ServiceName)
	relay.NewHandler(r.orch, relay.WithLogger(r.logger)).Mount(r.server.Router, relay.RouteConfig{
		Auth:           r.auth,
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        r.metrics.Handler(),
	})
	return nil
}

// initSweeps schedules the durable background work: expiring approvals
// whose deadline passed while no process was waiting on them, and
// compacting checkpoint logs.
func (r *Relay) initSweeps(cfg *config.Config) error {
	r.cron = cron.New()

	if cfg.Approval.SweepSchedule != "" {
		if _, err := r.cron.AddFunc(cfg.Approval.SweepSchedule, r.sweepApprovals); err != nil {
			return fmt.Errorf("schedule approval sweep %q: %w", cfg.Approval.SweepSchedule, err)
		}
	}

	policy := domain.RetentionPolicy{KeepLast: cfg.Checkpoint.KeepLast, MaxBytes: cfg.Checkpoint.MaxBytes}
	if cfg.Checkpoint.CompactSchedule != "" && policy.Enabled() {
		if _, err := r.cron.AddFunc(cfg.Checkpoint.CompactSchedule, r.compactCheckpoints); err != nil {
			return fmt.Errorf("schedule checkpoint compaction %q: %w", cfg.Checkpoint.CompactSchedule, err)
		}
	}
	return nil
}

func (r *Relay) sweepApprovals() {
	ctx, cancel := context.WithTimeout(r.ctx, sweepTimeout)
	defer cancel()

	expired, err := r.approvals.Sweep(ctx)
	if err != nil {
		r.logger.Error("approval sweep failed", slog.String("error", err.Error()))
		return
	}
	if expired > 0 {
		r.logger.Info("expired overdue approvals", slog.Int("count", expired))
	}
}

func (r *Relay) compactCheckpoints() {
	ctx, cancel := context.WithTimeout(r.ctx, sweepTimeout)
	defer cancel()

	r.cfgMu.RLock()
	policy := domain.RetentionPolicy{KeepLast: r.cfg.Checkpoint.KeepLast, MaxBytes: r.cfg.Checkpoint.MaxBytes}
	r.cfgMu.RUnlock()

	removed, err := r.checkpoints.CompactAll(ctx, policy)
	if err != nil {
		r.logger.Error("checkpoint compaction failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		r.logger.Info("compacted checkpoints", slog.Int64("removed", removed))
	}
}

// onConfigChange applies the settings that can change without a restart:
// approval deadline, idle timeout, retention policy, log level and API keys.
func (r *Relay) onConfigChange(cfg *config.Config) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	r.cfg = cfg
	r.approvals.SetDefaultDeadline(cfg.Approval.DefaultDeadline)
	r.streams.SetIdleTimeout(cfg.Stream.IdleTimeout)
	r.applyLogLevel(cfg.Log.Level)
	if r.authFromConfig {
		r.reloadAuth(cfg)
	}

	r.logger.Info("reload complete",
		slog.Duration("approval_deadline", r.approvals.DefaultDeadline()),
		slog.Duration("idle_timeout", cfg.Stream.IdleTimeout),
		slog.String("log_level", cfg.Log.Level),
	)
}

func (r *Relay) reloadAuth(cfg *config.Config) {
	reloader, ok := r.auth.(interface{ ReloadFromConfig(*config.Config) error })
	if !ok {
		return
	}
	if err := reloader.ReloadFromConfig(cfg); err != nil {
		r.logger.Warn("failed to reload auth provider", slog.String("error", err.Error()))
	}
}

func (r *Relay) applyLogLevel(level string) {
	if r.logLevel == nil || level == "" {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		r.logger.Warn("ignoring invalid log level", slog.String("level", level))
		return
	}
	r.logLevel.Set(l)
}

// Addr returns the address the relay serves on, or nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Handler returns the relay's HTTP handler, or nil before Start.
func (r *Relay) Handler() http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return nil
	}
	return r.server.Router
}

// Wait blocks until the server stops and returns its error, if any.
func (r *Relay) Wait() error {
	r.mu.Lock()
	group := r.group
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Shutdown gracefully stops the relay. Live turns are cancelled and record
// how they ended; turns parked on an approval stay resumable.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false
	r.logger.Info("shutting down relay")

	var errs []error

	// Running sweeps finish before storage closes.
	<-r.cron.Stop().Done()

	if err := r.orch.Shutdown(ctx); err != nil {
		r.logger.Error("failed to stop live turns", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	r.cancel()
	if err := r.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	r.approvals.Close()

	if err := r.storage.Close(); err != nil {
		r.logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
	if err := r.events.Close(); err != nil {
		r.logger.Error("failed to close events", slog.String("error", err.Error()))
	}
	if err := r.config.Close(); err != nil {
		r.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	r.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}
