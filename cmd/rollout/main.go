package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/api"
	"github.com/nais/rollout/pkg/cli"
	"github.com/nais/rollout/pkg/config"
	"github.com/nais/rollout/pkg/database"
	"github.com/nais/rollout/pkg/engine"
	"github.com/nais/rollout/pkg/executor"
	"github.com/nais/rollout/pkg/health"
	"github.com/nais/rollout/pkg/logging"
	"github.com/nais/rollout/pkg/pipeline"
	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/redisstore"
	"github.com/nais/rollout/pkg/registry"
	"github.com/nais/rollout/pkg/scheduler"
	"github.com/nais/rollout/pkg/telemetry"
	"github.com/nais/rollout/pkg/tracker"
	"github.com/nais/rollout/pkg/webhook"
)

const (
	databaseConnectBackoffInterval = 3 * time.Second
	shutdownTimeout                = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Initialize()
	cmd := cli.NewCommand(cfg, setup)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	code := cli.ErrorExitCode(err)
	if code == cli.ExitInvocationFailure {
		fmt.Fprintln(os.Stderr, cmd.UsageString())
	}
	log.Errorf("fatal: %s", err)
	cancel()
	os.Exit(int(code))
}

type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func setup(ctx context.Context, cfg *config.Config) (app *cli.App, err error) {
	var cleanup closers
	defer func() {
		if err != nil {
			cleanup.close()
		}
	}()

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %d services from %s", len(reg.List()), cfg.RegistryFile)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, closeStore)

	if len(cfg.OtelCollectorURL) > 0 {
		tp, err := telemetry.New(ctx, "rollout", cfg.OtelCollectorURL)
		if err != nil {
			return nil, fmt.Errorf("set up tracing: %w", err)
		}
		cleanup = append(cleanup, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Errorf("flush traces: %s", err)
			}
		})
	}

	builder, err := newBuilder(cfg)
	if err != nil {
		return nil, err
	}

	client, err := executor.NewKubernetesClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("set up kubernetes client: %w", err)
	}
	exec := executor.NewKubernetesExecutor(client, cfg.Kubernetes.Namespace)

	prober := &health.MultiProber{
		HTTP: health.NewHTTPProber(cfg.Health.Timeout),
		GRPC: health.NewGRPCProber(cfg.Health.Timeout),
	}

	eng := &engine.Engine{
		Registry:       reg,
		Builder:        builder,
		Publisher:      pipeline.NewRegistryPublisher(cfg.ArtifactRegistry, cfg.ArtifactRegistryPlainHTTP),
		Executor:       exec,
		Health:         health.NewChecker(prober, cfg.Health.MaxDelay),
		Records:        store,
		Stable:         store,
		HealthAttempts: cfg.Health.Attempts,
		HealthDelay:    cfg.Health.InitialDelay,
		Timeout:        cfg.DeployTimeout,
		Notifier:       webhook.New([]byte(cfg.WebhookSigningKey)),
	}

	sched := &scheduler.Scheduler{
		Registry:              reg,
		Engine:                eng,
		Records:               store,
		Stable:                store,
		Executor:              exec,
		MaxConcurrencyPerTier: cfg.MaxConcurrencyPerTier,
		CoolDown:              cfg.TierCoolDown,
		Requester:             cfg.Requester,
	}

	return &cli.App{
		Registry:  reg,
		Scheduler: sched,
		Records:   store,
		Stable:    store,
		Serve: func(ctx context.Context) error {
			return serve(ctx, cfg, tracker.New(reg, store, eng, cfg.Tracker.Workers))
		},
		Close: cleanup.close,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (record.Backend, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warnf("Deployment records are kept in memory and lost on exit")
		return record.NewMemoryStore(), func() {}, nil

	case config.StorePostgres:
		db, err := connectDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		err = db.Migrate(ctx)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
		return db, db.Close, nil

	case config.StoreRedis:
		logger, err := logging.New(log.WarnLevel.String(), cfg.LogFormat)
		if err != nil {
			return nil, nil, err
		}
		redis.SetLogger(logger)

		store, err := redisstore.New(ctx, redisstore.Options{
			Address:        cfg.Redis.Address,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			ConnectTimeout: cfg.DatabaseConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Errorf("close redis connection: %s", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown record store %q", cfg.Store)
	}
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*database.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DatabaseConnectTimeout)
	defer cancel()

	for {
		log.Infof("Connecting to database...")
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err == nil {
			log.Infof("Database connection established.")
			return db, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("setup postgres connection: %w", err)
		}
		log.Errorf("unable to connect to database: %s", err)
		time.Sleep(databaseConnectBackoffInterval)
	}
}

func newBuilder(cfg *config.Config) (pipeline.Builder, error) {
	switch cfg.Builder {
	case config.BuilderArchive:
		return &pipeline.ArchiveBuilder{Root: cfg.SourceRoot}, nil
	case config.BuilderCommand:
		if len(cfg.BuildCommand) == 0 {
			return nil, fmt.Errorf("the %s builder requires --%s", config.BuilderCommand, config.BuildCommand)
		}
		return &pipeline.CommandBuilder{Root: cfg.SourceRoot, Command: cfg.BuildCommand}, nil
	default:
		return nil, fmt.Errorf("unknown builder %q", cfg.Builder)
	}
}

// serve runs the deployment API and the tracker workers until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, t *tracker.Tracker) error {
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	t.Start(workerCtx)

	server := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: api.New(api.Config{
			Tracker:     t,
			MetricsPath: cfg.MetricsPath,
		}),
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	log.Infof("Ready to accept connections on %s", cfg.ListenAddress)

	var err error
	select {
	case err = <-errs:
	case <-ctx.Done():
		log.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = server.Shutdown(shutdownCtx)
		cancel()
	}

	stopWorkers()
	t.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
