// Package threadbox is the public API for embedding the threadbox server.
//
// A thread is a unit of work with its own sandbox container and an
// append-only log. Callers construct the server with New and run it with
// Run:
//
//	app, err := threadbox.New(ctx,
//	    threadbox.WithVersion(version),
//	    threadbox.WithLogger(logger),
//	    threadbox.WithThreadHook(notifier),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Types that cross
// the boundary (ThreadFinished, SandboxRuntime and its structs) are plain
// structs here and are translated in runtime_adapter.go.
package threadbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/threadbox/api"
	"github.com/ashita-ai/threadbox/internal/auth"
	"github.com/ashita-ai/threadbox/internal/config"
	"github.com/ashita-ai/threadbox/internal/mcp"
	"github.com/ashita-ai/threadbox/internal/ratelimit"
	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/sandbox"
	"github.com/ashita-ai/threadbox/internal/secrets"
	"github.com/ashita-ai/threadbox/internal/server"
	"github.com/ashita-ai/threadbox/internal/service/models"
	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
	"github.com/ashita-ai/threadbox/internal/storage/sqlite"
	"github.com/ashita-ai/threadbox/internal/telemetry"
	"github.com/ashita-ai/threadbox/migrations"
)

// App is the threadbox server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	store        storage.Store
	rt           runtime.Runtime
	limiter      ratelimit.Limiter
	threads      *threads.Service
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	stopSweep    context.CancelFunc
	sweepDone    chan struct{}
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens storage, connects the container runtime
// and wires the HTTP and MCP surfaces. It does not accept connections until
// Run is called. Starting threads whose run lease has lapsed are moved to
// error before New returns, and a background sweep keeps doing so until
// Shutdown.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	logger.Info("threadbox starting",
		"version", version, "port", cfg.Port, "storage", cfg.StorageDriver, "instance_id", instanceID)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		InstanceID:  instanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// cleanup unwinds whatever was opened so far when a later step fails.
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = otelShutdown(context.Background())
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() { store.Close(context.Background()) })

	var rt runtime.Runtime
	if o.runtime != nil {
		rt = runtimeAdapter{rt: o.runtime}
	} else {
		drt, err := runtime.NewDockerRuntime(cfg.DockerHost, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("runtime: %w", err)
		}
		rt = drt
	}
	closers = append(closers, func() { _ = rt.Close() })
	if err := rt.Ping(ctx); err != nil {
		// Threads can still be created, listed and logged without a runtime;
		// starts fail in the provision phase until it comes back.
		logger.Warn("container runtime unreachable", "runtime", rt.Name(), "error", err)
	}

	hooks := make([]threads.Hook, 0, len(o.hooks))
	for _, h := range o.hooks {
		hooks = append(hooks, hookAdapter(h))
	}
	svc := threads.New(store,
		sandbox.NewProvisioner(rt, cfg.Sandbox, logger),
		sandbox.NewExecutor(rt, logger),
		logger,
		threads.Options{
			Hooks:           hooks,
			RunTimeout:      cfg.RunTimeout,
			FinalizeTimeout: cfg.FinalizeTimeout,
			HookTimeout:     cfg.HookTimeout,
			LeaseTTL:        cfg.RunLeaseTTL,
		})
	if _, err := svc.RecoverInterrupted(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("recover interrupted runs: %w", err)
	}

	var jwtMgr *auth.JWTManager
	if cfg.AuthEnabled {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("auth: %w", err)
		}
		if cfg.JWTPrivateKeyPath == "" {
			logger.Warn("auth: no key pair configured, using an ephemeral key; tokens will not survive a restart")
		}
	} else {
		logger.Warn("auth disabled: every request runs as an anonymous admin")
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	box := secrets.New(cfg.SettingsKey)
	if !box.Enabled() {
		logger.Warn("settings key not set: completion API keys are stored in plaintext")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Threads:             svc,
		Store:               store,
		Runtime:             rt,
		Models:              models.NewClient(cfg.CompletionTimeout),
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		Secrets:             box,
		MCPServer:           mcp.New(svc, logger, version).MCPServer(),
		CompletionDefaults:  cfg.Completion,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
	})

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		svc.WatchLeases(sweepCtx)
	}()

	return &App{
		cfg:          cfg,
		store:        store,
		rt:           rt,
		limiter:      limiter,
		threads:      svc,
		srv:          srv,
		otelShutdown: otelShutdown,
		stopSweep:    stopSweep,
		sweepDone:    sweepDone,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the App's root HTTP handler, for tests and for callers
// that serve it on their own listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Shutdown is called before Run returns.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.srv.Addr())
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops the App in dependency order: drain HTTP, stop the lease
// sweep, drain background runs (runs still going when the timeout expires are cancelled and
// recorded as errors), close the limiter, the runtime and storage, then
// flush telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("threadbox shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.stopSweep()
	<-a.sweepDone

	var drainErr error
	runsCtx, runsCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownRunsTimeout)
	if err := a.threads.Drain(runsCtx); err != nil {
		a.logger.Error("background runs cancelled at shutdown", "error", err)
		drainErr = fmt.Errorf("drain runs: %w", err)
	}
	runsCancel()

	_ = a.limiter.Close()
	if err := a.rt.Close(); err != nil {
		a.logger.Warn("runtime close error", "error", err)
	}
	a.store.Close(context.Background())
	_ = a.otelShutdown(context.Background())

	a.logger.Info("threadbox stopped")
	return drainErr
}

// Migrate applies the embedded schema to the configured store and exits.
// SQLite migrates on open, so for that driver this only verifies the file.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store.Close(ctx)
	logger.Info("migrations applied", "storage", cfg.StorageDriver)
	return nil
}

func loadConfig(o resolvedOptions) (config.Config, error) {
	// A .env file is optional; production environments won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.StorageDriver = config.StoragePostgres
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageDriver == config.StorageSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return db, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// contextWithOptionalTimeout applies timeout only when it is positive.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
