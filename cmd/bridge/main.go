package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/api"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/api/debug"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/catalog"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/orchestration"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/config"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/config/fileloader"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
	flowStore "github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage/flows/postgres"
	runStore "github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage/runs/postgres"
	sessionStore "github.com/masumi-network/kodosumi-masumi-bridge/internal/infra/storage/sessions/postgres"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/kodosumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/masumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/httpx"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/otel"
)

const serviceType = "bridge"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("BRIDGE-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := config.LoadSettings(os.Getenv("BRIDGE_CONFIG_FILE"))
	if err != nil {
		log.Error(ctx, "failed to load settings", "error", err)
		os.Exit(1)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      settings.Telemetry.ServiceName,
		ExporterEndpoint: settings.Telemetry.ExporterAddr,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: settings.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(settings.Telemetry.ServiceName)

	poolCfg, err := pgxpool.ParseConfig(settings.Postgres.DSN())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

	runs := runStore.NewRunStore(pool, tracer)
	configs := flowStore.NewConfigStore(pool, tracer)
	sessions := sessionStore.NewSessionStore(pool, tracer)

	if settings.FlowConfigPath != "" {
		if err := seedFlowConfigs(ctx, settings.FlowConfigPath, configs, log); err != nil {
			log.Error(ctx, "failed to seed flow configs", "error", err)
			os.Exit(1)
		}
	}

	kodoExec := httpx.NewExecutor(
		common.NewWindowLimiter(settings.Kodosumi.RateLimitCalls, settings.Kodosumi.RateLimitWindow),
		httpx.RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2},
		log,
	)
	upstream := kodosumi.NewClient(kodosumi.Config{
		BaseURL:           settings.Kodosumi.BaseURL,
		Username:          settings.Kodosumi.Username,
		Password:          settings.Kodosumi.Password,
		SessionLifetime:   settings.Kodosumi.SessionLifetime,
		RefreshMargin:     settings.Kodosumi.RefreshMargin,
		KeepaliveInterval: settings.Kodosumi.KeepaliveInterval,
		CallTimeout:       settings.Kodosumi.CallTimeout,
	}, kodoExec, sessions, log, tracer)
	upstream.Start(ctx)
	defer upstream.Stop()

	masumiExec := httpx.NewExecutor(
		common.NewWindowLimiter(settings.Masumi.RateLimitCalls, settings.Masumi.RateLimitWindow),
		httpx.RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 15 * time.Second, Multiplier: 2},
		log,
	)
	payments := masumi.NewClient(masumi.Config{
		BaseURL:  settings.Masumi.BaseURL,
		APIKey:   settings.Masumi.APIKey,
		Network:  settings.Masumi.Network,
		TestMode: settings.Masumi.TestMode,
	}, masumiExec, log)

	watcher := masumi.NewWatcher(payments, log, settings.Masumi.WatchInterval)
	watcher.Start(ctx)
	defer watcher.Stop()

	cat := catalog.NewService(upstream, configs, log, tracer, settings.Kodosumi.CatalogTTL)

	network := run.NetworkPreprod
	if settings.Masumi.Network == "Mainnet" {
		network = run.NetworkMainnet
	}

	orch := orchestration.NewOrchestrator(runs, configs, cat, upstream, payments, watcher, network, log, tracer)
	orch.Start(ctx)
	defer orch.Stop()

	if err := orch.ResumeMonitoring(ctx); err != nil {
		log.Error(ctx, "failed to resume monitoring", "error", err)
		os.Exit(1)
	}

	scheduler := orchestration.NewScheduler(orch, runs, orchestration.SchedulerConfig{
		Interval:   settings.Scheduler.Interval,
		BatchSize:  settings.Scheduler.BatchSize,
		BatchDelay: settings.Scheduler.BatchDelay,
		PollRate:   settings.Scheduler.PollRate,
	}, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go func() {
		debugHost := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.DebugPort)
		log.Info(ctx, "startup", "status", "debug router started", "host", debugHost)

		if err := http.ListenAndServe(debugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", debugHost, "msg", err)
		}
	}()

	server := api.NewServer(settings.Server, log, tracer, orch, cat, configs, upstream)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		log.Info(ctx, "shutdown signal received")
		cancel()
	}()

	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		log.Error(ctx, "server error", "error", err)
		os.Exit(1)
	}
}

// seedFlowConfigs applies the operator-provided flow seed file on top of the
// stored configurations.
func seedFlowConfigs(ctx context.Context, path string, configs flow.ConfigRepository, log *logger.Logger) error {
	seed, err := fileloader.NewFileLoader(path).Load(ctx)
	if err != nil {
		return err
	}

	for _, f := range seed.Flows {
		cfg, err := configs.Get(ctx, f.FlowKey)
		if err != nil {
			cfg = flow.Config{FlowKey: f.FlowKey}
		}
		cfg.AgentIdentifier = f.AgentIdentifier
		cfg.SellerVKey = f.SellerVKey
		cfg.Enabled = f.Enabled

		if err := configs.Upsert(ctx, cfg); err != nil {
			return fmt.Errorf("seeding flow %s: %w", f.FlowKey, err)
		}
	}

	log.Info(ctx, "flow configs seeded", "count", len(seed.Flows))
	return nil
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations". It acquires a single pgx connection from the pool, runs
// migrations, and then releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("BRIDGE_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
