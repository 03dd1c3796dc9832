// Command offqueue runs the offline action queue and its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/offqueue/internal/app/connectivity"
	"github.com/coachpo/offqueue/internal/app/dispatch"
	"github.com/coachpo/offqueue/internal/app/status"
	"github.com/coachpo/offqueue/internal/app/syncer"
	"github.com/coachpo/offqueue/internal/app/validator"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/internal/infra/config"
	"github.com/coachpo/offqueue/internal/infra/persistence/lastsync"
	"github.com/coachpo/offqueue/internal/infra/persistence/memory"
	"github.com/coachpo/offqueue/internal/infra/persistence/migrations"
	"github.com/coachpo/offqueue/internal/infra/persistence/postgres"
	"github.com/coachpo/offqueue/internal/infra/persistence/sqlite"
	httpserver "github.com/coachpo/offqueue/internal/infra/server/http"
	"github.com/coachpo/offqueue/internal/telemetry"
	"github.com/coachpo/offqueue/lib/ratelimit"
)

const (
	defaultConfigPath            = "config/app.yaml"
	loggerPrefix                 = "offqueue "
	actionPoolName               = "actions"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, store=%s, connectivity=%s",
		appCfg.Environment, appCfg.Store.Driver, appCfg.Connectivity.Mode)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, err := openStore(ctx, appCfg.Store, logger)
	if err != nil {
		logger.Fatalf("open action store: %v", err)
	}
	lastSync, err := lastsync.NewFileStore(appCfg.Store.LastSyncPath)
	if err != nil {
		logger.Fatalf("open last sync marker: %v", err)
	}

	dispatcher, err := buildDispatcher(appCfg.Dispatch)
	if err != nil {
		logger.Fatalf("initialise dispatch: %v", err)
	}

	source, prober, err := buildConnectivity(appCfg.Connectivity, logger)
	if err != nil {
		logger.Fatalf("initialise connectivity: %v", err)
	}

	coordinator, err := syncer.New(syncer.Deps{
		Store:        store,
		LastSync:     lastSync,
		Validator:    validator.New(validatorConfig(appCfg)),
		Dispatcher:   dispatcher,
		Connectivity: source,
		Status:       status.NewBroadcaster(logger),
		Logger:       logger,
	}, syncer.Config{
		Retention:        appCfg.Sync.Retention,
		AutoSyncDebounce: appCfg.Sync.AutoSyncDebounce,
	})
	if err != nil {
		logger.Fatalf("initialise sync coordinator: %v", err)
	}
	if snap, err := coordinator.Status(ctx); err == nil {
		logger.Printf("queue loaded: pending=%d online=%t", snap.PendingItems, snap.Online)
	}
	stopAutoSync := coordinator.StartAutoSync()

	var lifecycle conc.WaitGroup
	if prober != nil {
		startProber(ctx, &lifecycle, logger, prober)
	}

	apiServer, err := buildAPIServer(appCfg.APIServer, store, coordinator, source, logger)
	if err != nil {
		logger.Fatalf("initialise control API: %v", err)
	}
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("offqueue started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:       apiServer,
		stopAutoSync: stopAutoSync,
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		store:        store,
		telemetry:    telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (actionstore.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Print("using in-memory action store; queued actions are lost on exit")
		return memory.NewStore(), nil
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		logger.Printf("sqlite action store opened: path=%s", cfg.Path)
		return store, nil
	case config.StorePostgres:
		if err := migrations.Apply(ctx, migrations.DriverPostgres, cfg.DSN, cfg.MigrationsPath, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := postgres.OpenPool(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.ObservePoolMetrics(pool, actionPoolName); err != nil {
			logger.Printf("pool metrics unavailable: %v", err)
		}
		logger.Print("postgres action store connected")
		return postgres.NewActionStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func buildDispatcher(cfg config.DispatchConfig) (*dispatch.Registry, error) {
	handler, err := dispatch.NewHTTPHandler(dispatch.HTTPConfig{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Headers:           cfg.Headers,
	}, nil)
	if err != nil {
		return nil, err
	}
	registry := dispatch.NewRegistry()
	if err := registry.RegisterAll(handler); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildConnectivity returns the configured source and, in probe mode, the prober
// that must be run for the source to change state.
func buildConnectivity(cfg config.ConnectivityConfig, logger *log.Logger) (connectivity.Source, *connectivity.Prober, error) {
	switch cfg.Mode {
	case config.ConnectivityProbe:
		prober, err := connectivity.NewProber(connectivity.ProberConfig{
			URL:         cfg.ProbeURL,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			MaxInterval: cfg.MaxInterval,
		}, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		return prober, prober, nil
	case config.ConnectivityManual, "":
		return connectivity.NewManual(!cfg.StartOffline), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported connectivity mode %q", cfg.Mode)
	}
}

func validatorConfig(cfg config.AppConfig) validator.Config {
	return validator.Config{
		FreshnessWindow:           cfg.Sync.Retention,
		MinSecondsPerQuestion:     cfg.Validation.MinSecondsPerQuestion,
		PerfectSecondsPerQuestion: cfg.Validation.PerfectSecondsPerQuestion,
	}
}

func startProber(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, prober *connectivity.Prober) {
	lifecycle.Go(func() {
		if err := prober.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("connectivity prober: %v", err)
		}
	})
}

func buildAPIServer(cfg config.APIServerConfig, store actionstore.Store, coordinator *syncer.Coordinator, source connectivity.Source, logger *log.Logger) (*http.Server, error) {
	handler, err := httpserver.NewHandler(httpserver.Options{
		Store:          store,
		Coordinator:    coordinator,
		Connectivity:   source,
		SyncLimit:      ratelimit.NewRateLimiter(cfg.SyncLimit.MaxCalls, cfg.SyncLimit.Window),
		StatusCacheTTL: cfg.StatusCacheTTL,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}, nil
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server       *http.Server
	stopAutoSync func()
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	store        actionstore.Store
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.stopAutoSync != nil {
		logger.Print("shutdown: detaching auto sync")
		cfg.stopAutoSync()
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.store != nil {
		shutdownStep("closing action store", storeShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, func() {
				if err := cfg.store.Close(); err != nil {
					logger.Printf("shutdown: close store: %v", err)
				}
			})
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitWithContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown step: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
