// Command marketd launches the grid energy marketplace service.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/gridmarket/internal/app/ledger"
	"github.com/coachpo/gridmarket/internal/app/settlement"
	"github.com/coachpo/gridmarket/internal/domain/marketstore"
	"github.com/coachpo/gridmarket/internal/infra/bus/eventbus"
	"github.com/coachpo/gridmarket/internal/infra/config"
	"github.com/coachpo/gridmarket/internal/infra/persistence/migrations"
	"github.com/coachpo/gridmarket/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/gridmarket/internal/infra/server/http"
	"github.com/coachpo/gridmarket/internal/infra/telemetry"
	"github.com/coachpo/gridmarket/internal/observability"
)

const (
	defaultConfigPath         = "config/app.yaml"
	marketLoggerPrefix        = "marketd "
	databasePoolName          = "market"
	shutdownTimeout           = 30 * time.Second
	apiServerShutdownTimeout  = 5 * time.Second
	engineShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout  = 5 * time.Second
	eventBusShutdownTimeout   = 2 * time.Second
	databaseShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	migrationsStartupDeadline = 60 * time.Second
)

func main() {
	cfgPathFlag, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newMarketLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, database=%t, outbox=%t",
		appCfg.Environment, appCfg.Database.Enabled, appCfg.Outbox.Enabled)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var (
		pool  *pgxpool.Pool
		store *postgres.Store
	)
	if appCfg.Database.Enabled {
		pool, err = initDatabase(ctx, logger, appCfg.Database)
		if err != nil {
			logger.Fatalf("initialise database: %v", err)
		}
		store = postgres.New(pool)
	}

	bus := newEventBus(appCfg, store)

	book := settlement.NewBook()
	engineOpts := []ledger.Option{
		ledger.WithSettler(book),
		ledger.WithPublisher(bus),
		ledger.WithLogger(observability.Log()),
	}
	if store != nil {
		journal := store.Market()
		restoreOpts, err := resumeJournal(ctx, logger, journal, book)
		if err != nil {
			logger.Fatalf("resume journal: %v", err)
		}
		engineOpts = append(engineOpts, restoreOpts...)
	}
	engine := ledger.New(ledgerConfig(appCfg.Ledger), engineOpts...)

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, engine, bus, book)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("market API listening on %s", apiServer.Addr)

	logger.Print("marketd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     engine,
		eventBus:   bus,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	if err != nil {
		logger.Printf("shutdown completed with errors in %v: %v", time.Since(shutdownStart), err)
		os.Exit(1)
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newMarketLogger() *log.Logger {
	return log.New(os.Stdout, marketLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func telemetryConfig(env config.Environment, cfg config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		Enabled:       cfg.OTLPEndpoint != "",
		OTLPEndpoint:  cfg.OTLPEndpoint,
		OTLPInsecure:  cfg.OTLPInsecure,
		EnableMetrics: cfg.EnableMetrics,
		ServiceName:   cfg.ServiceName,
		Environment:   string(env),
	}
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationsStartupDeadline)
		err := migrations.ApplyEmbedded(migrateCtx, cfg.DSN, logger)
		cancel()
		if err != nil {
			return nil, err
		}
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(pool, databasePoolName)
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

func newEventBus(cfg config.AppConfig, store *postgres.Store) eventbus.Bus {
	memory := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.Eventbus.BufferSize,
		FanoutWorkers: cfg.Eventbus.FanoutWorkerCount(),
	})
	if !cfg.Outbox.Enabled || store == nil {
		return memory
	}
	return eventbus.NewDurableBus(memory, store.Outbox(),
		eventbus.WithReplayInterval(cfg.Outbox.ReplayInterval),
		eventbus.WithReplayBatchSize(cfg.Outbox.BatchSize),
		eventbus.WithMaxBackoff(cfg.Outbox.MaxBackoff),
	)
}

func ledgerConfig(cfg config.LedgerConfig) ledger.Config {
	return ledger.Config{
		LockTTL:       cfg.LockTTL,
		QueueSize:     cfg.CommandQueueSize,
		SweepInterval: cfg.SweepInterval,
		SinkBuffer:    cfg.SinkBuffer,
		SinkTimeout:   cfg.SinkTimeout,
	}
}

// resumeJournal loads the recorded ledger, re-seeds the settlement book with
// its purchases and returns the engine options that continue it.
func resumeJournal(ctx context.Context, logger *log.Logger, journal journalStore, book *settlement.Book) ([]ledger.Option, error) {
	recorded, err := journal.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if err := book.Settle(ctx, recorded.Transfers()); err != nil {
		return nil, fmt.Errorf("restore settlement: %w", err)
	}
	if recorded.Empty() {
		logger.Print("journal is empty; starting a new ledger")
	} else {
		logger.Printf("journal resumes after sequence %d (%d buses, %d offers, %d purchases)",
			recorded.Sequence, len(recorded.Buses), len(recorded.Offers), len(recorded.Purchases))
	}
	return []ledger.Option{ledger.WithJournal(journal), ledger.WithState(recorded)}, nil
}

type journalStore interface {
	marketstore.Journal
	marketstore.Loader
}

func buildAPIServer(cfg config.APIServerConfig, engine httpserver.Ledger, bus eventbus.Bus, accounts httpserver.Accounts) *http.Server {
	opts := []httpserver.Option{httpserver.WithEventBus(bus), httpserver.WithAccounts(accounts)}
	if cfg.Throttle.Enabled {
		opts = append(opts, httpserver.WithThrottle(httpserver.NewThrottle(cfg.Throttle.Rate, cfg.Throttle.Burst)))
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(engine, opts...),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("market API server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *ledger.Engine
	eventBus   eventbus.Bus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops the API first so no new commands arrive, then
// drains the engine so every commit reaches the journal and the bus before
// those are closed.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping market API", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.engine != nil {
		shutdownStep("draining ledger engine", engineShutdownTimeout, cfg.engine.Close)
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.eventBus.Close)
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.pool.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	return observability.AggregateErrors("shutdown", failures)
}
