package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/logger"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/agent"
	"github.com/harun/agentcore/pkg/commandqueue"
	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/sandbox"
	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

// Daemon represents the agentcore service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	store      session.Store
	cleanup    *session.Cleanup
	sandboxes  *sandbox.Manager
	tools      *toolexecutor.Registry
	modelStore *llm.FileConfigStore
	models     *llm.ModelRegistry
	gateway    *llm.Gateway
	threads    *agent.ThreadManager
	queue      *commandqueue.CommandQueue
	audit      *observability.AuditLogger

	// Internal
	server    *http.Server
	listener  net.Listener
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	closeOnce sync.Once
	closeErr  error

	tracer *tracing.Provider
}

// Provider constructors, replaced in tests.
var (
	newLLMProvider     = llm.NewProvider
	newSandboxProvider = sandbox.NewProvider
)

// New wires every component. It starts nothing; call Start to serve, or use
// Execute directly and Close when done.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Server.Tracing {
		tracer, err := tracing.NewProvider(ctx, tracing.Options{ServiceName: "agentcore"})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracer = tracer
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds components in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		audit, err := observability.OpenAuditLog(cfg.Logging.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
	}

	store, err := openStore(d.ctx, cfg.Store, d.logger.Component("store"))
	if err != nil {
		return err
	}
	d.store = store
	if cfg.Store.RunRetention > 0 {
		d.cleanup = session.NewCleanup(store, cfg.Store.RunRetention, cfg.Store.CleanupInterval, d.logger.Component("store_cleanup"))
	}
	d.log.Info().Str("backend", cfg.Store.Backend).Msg("Conversation store initialized")

	provider, err := newSandboxProvider(cfg.Sandbox.ProviderConfig, d.logger.Component("sandbox_provider"))
	if err != nil {
		return fmt.Errorf("failed to create sandbox provider: %w", err)
	}
	d.sandboxes, err = sandbox.NewManager(sandbox.ManagerConfig{
		Provider:       provider,
		IdleTTL:        cfg.Sandbox.IdleTTL,
		ReapInterval:   cfg.Sandbox.ReapInterval,
		ReconnectAfter: cfg.Sandbox.ReconnectAfter,
		OpTimeout:      cfg.Sandbox.OpTimeout,
		AutoStop:       cfg.Sandbox.AutoStop,
		Env:            cfg.Sandbox.Env,
		Logger:         d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	d.log.Info().Str("provider", provider.Name()).Msg("Sandbox manager initialized")

	d.tools = toolexecutor.New(toolexecutor.Config{
		Sandbox:        d.sandboxes,
		DefaultTimeout: cfg.Runtime.PerCallTimeout,
		MaxOutputBytes: cfg.Runtime.MaxOutputBytes,
		Logger:         d.logger.Zerolog(),
		Audit:          d.audit,
	})
	if err := toolexecutor.RegisterSandboxTools(d.tools, d.sandboxes); err != nil {
		return fmt.Errorf("failed to register sandbox tools: %w", err)
	}
	d.log.Info().Int("tools", d.tools.Len()).Msg("Tool registry initialized")

	if err := d.initializeModels(); err != nil {
		return err
	}

	d.threads, err = agent.NewThreadManager(agent.Config{
		Store:   d.store,
		Gateway: d.gateway,
		Tools:   d.tools,
		Models:  d.models,
		Logger:  d.logger.Zerolog(),
		Audit:   d.audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create thread manager: %w", err)
	}

	d.queue = commandqueue.New(commandqueue.Config{
		MaxWorkers: cfg.Runtime.Workers,
		DedupTTL:   cfg.Runtime.DedupTTL,
		Logger:     d.logger.Zerolog(),
	})
	d.log.Info().Int("workers", cfg.Runtime.Workers).Msg("Run queue initialized")
	return nil
}

func (d *Daemon) initializeModels() error {
	cfg := d.config
	var store llm.ConfigStore
	if cfg.Models.File != "" {
		fileStore, err := llm.NewFileConfigStore(llm.FileConfigStoreConfig{
			Path:   cfg.Models.File,
			Logger: d.logger.Zerolog(),
			OnChange: func() {
				if err := d.models.Refresh(d.ctx); err != nil {
					d.log.Warn().Err(err).Msg("Failed to refresh models after config change")
				}
			},
		})
		if err != nil {
			return fmt.Errorf("failed to load model config: %w", err)
		}
		d.modelStore = fileStore
		store = fileStore
	}

	d.models = llm.NewModelRegistry(llm.RegistryConfig{
		Store:  store,
		TTL:    cfg.Models.CacheTTL,
		Logger: d.logger.Zerolog(),
	})

	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := newLLMProvider(d.ctx, pc)
		if err != nil {
			return fmt.Errorf("failed to create LLM provider: %w", err)
		}
		providers = append(providers, p)
	}

	gw, err := llm.NewGateway(llm.GatewayConfig{
		Resolver:       d.models,
		Providers:      providers,
		AttemptTimeout: cfg.Models.AttemptTimeout,
		Logger:         d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM gateway: %w", err)
	}
	d.gateway = gw
	d.log.Info().Int("providers", len(providers)).Str("models_file", cfg.Models.File).Msg("LLM gateway initialized")
	return nil
}

// Start starts background services and the ops HTTP server.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentcore daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.sandboxes.Start(); err != nil {
		return fmt.Errorf("failed to start sandbox manager: %w", err)
	}

	if d.cleanup != nil {
		if err := d.cleanup.Start(); err != nil {
			return fmt.Errorf("failed to start run cleanup: %w", err)
		}
	}

	if d.modelStore != nil && d.config.Models.Watch {
		if err := d.modelStore.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch model config, changes need a refresh")
		}
	}

	listener, err := net.Listen("tcp", d.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Server.Addr, err)
	}
	d.listener = listener
	d.server = &http.Server{
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Msg("Ops server failed")
		}
	}()
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Str("addr", listener.Addr().String()).Msg("Daemon started")
	return nil
}

// Addr is the address the ops server listens on, once started.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop drains in-flight runs and releases every resource.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentcore daemon")

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown ops server")
		}
		cancel()
	}

	d.eventLoop.HandleShutdown(d.config.Server.ShutdownTimeout)

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to release resources")
		return err
	}
	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases components without the graceful drain of Stop. It is safe
// to call more than once and on a daemon that was never started.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		var result *multierror.Error

		if d.queue != nil {
			if err := d.queue.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close queue: %w", err))
			}
		}
		if d.cleanup != nil && d.cleanup.IsRunning() {
			if err := d.cleanup.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("stop run cleanup: %w", err))
			}
		}
		if d.modelStore != nil {
			if err := d.modelStore.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close model config: %w", err))
			}
		}
		if d.sandboxes != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.config.Sandbox.OpTimeout)
			if err := d.sandboxes.CloseAll(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("close sandboxes: %w", err))
			}
			cancel()
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close store: %w", err))
			}
		}
		if d.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.tracer.Shutdown(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("shutdown tracing: %w", err))
			}
			cancel()
		}
		if err := d.audit.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close audit log: %w", err))
		}
		d.closeErr = result.ErrorOrNil()
	})
	return d.closeErr
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.queue != nil {
		for _, ls := range d.queue.Stats() {
			status.QueuedRuns += ls.Queued
			status.ActiveRuns += ls.Running
		}
	}
	if d.sandboxes != nil {
		status.Sandboxes = len(d.sandboxes.Sessions())
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Models returns the model registry.
func (d *Daemon) Models() *llm.ModelRegistry {
	return d.models
}

// RefreshModels re-reads the model config file and drops cached specs.
func (d *Daemon) RefreshModels(ctx context.Context) error {
	if d.modelStore != nil {
		if err := d.modelStore.Reload(); err != nil {
			return err
		}
	}
	return d.models.Refresh(ctx)
}
