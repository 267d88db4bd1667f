// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/api"
	"github.com/JakeFAU/accurate-migrator/internal/clock/system"
	"github.com/JakeFAU/accurate-migrator/internal/config"
	"github.com/JakeFAU/accurate-migrator/internal/fetch"
	"github.com/JakeFAU/accurate-migrator/internal/hash/sha256"
	"github.com/JakeFAU/accurate-migrator/internal/id/uuid"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
	mappingmemory "github.com/JakeFAU/accurate-migrator/internal/mapping/memory"
	"github.com/JakeFAU/accurate-migrator/internal/mapping/postgres"
	"github.com/JakeFAU/accurate-migrator/internal/mapping/sqlite"
	"github.com/JakeFAU/accurate-migrator/internal/metrics"
	"github.com/JakeFAU/accurate-migrator/internal/migration"
	"github.com/JakeFAU/accurate-migrator/internal/normalize"
	"github.com/JakeFAU/accurate-migrator/internal/policy/ratelimit"
	"github.com/JakeFAU/accurate-migrator/internal/policy/retry"
	memorypublisher "github.com/JakeFAU/accurate-migrator/internal/publisher/memory"
	"github.com/JakeFAU/accurate-migrator/internal/publisher/pubsub"
	"github.com/JakeFAU/accurate-migrator/internal/storage"
	"github.com/JakeFAU/accurate-migrator/internal/storage/gcs"
	"github.com/JakeFAU/accurate-migrator/internal/storage/local"
	storagememory "github.com/JakeFAU/accurate-migrator/internal/storage/memory"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed by a cobra hook when the
// command finishes.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	client       *accurate.Client
	mappings     mapping.Store
	orchestrator *migration.Orchestrator
	runner       *migration.Runner
	closers      []func() error
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetClient returns the Accurate API client.
func (a *App) GetClient() *accurate.Client {
	return a.client
}

// GetMappings returns the number-mapping store.
func (a *App) GetMappings() mapping.Store {
	return a.mappings
}

// GetOrchestrator returns the save orchestrator.
func (a *App) GetOrchestrator() *migration.Orchestrator {
	return a.orchestrator
}

// GetRunner returns the whole-module migration runner.
func (a *App) GetRunner() *migration.Runner {
	return a.runner
}

// NewServer builds the operator API on top of the app's services.
func (a *App) NewServer() *api.Server {
	return api.NewServer(a.runner, a.orchestrator, a.mappings, a.cfg, a.logger)
}

// New creates and initializes an App from cfg. It fails fast if any configured
// backing service cannot be reached; anything opened before the failure is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				logger.Warn("cleanup after failed init", zap.Error(closeErr))
			}
		}
	}()

	logger.Info("initializing application services")
	clock := system.New()

	a.client = accurate.NewClient(accurate.Config{
		AccountURL:      cfg.Accurate.APIURL,
		Timeout:         cfg.AccurateTimeout(),
		ConnectTimeout:  cfg.AccurateConnectTimeout(),
		DatabaseListTTL: cfg.DatabaseListTTL(),
	},
		ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Accurate.RequestsPerSecond, Burst: cfg.Accurate.Burst}),
		retry.New(cfg.Accurate.AuthRetryAttempts, cfg.AuthRetryDelay(), logger),
		logger,
	)

	a.mappings, err = openMappings(ctx, cfg.Mapping, clock, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.mappings.Close)

	pager := fetch.New(a.client, fetch.Config{
		PageSize: cfg.Migration.PageSize,
		MaxPages: cfg.Migration.MaxPages,
	}, logger)
	a.orchestrator = migration.NewOrchestrator(
		a.client,
		pager,
		normalize.New(a.mappings, logger),
		a.mappings,
		migration.Config{GLAccountPageSize: cfg.Migration.GLAccountPageSize},
		logger,
	)

	opts := []migration.RunnerOption{
		migration.WithIDGenerator(uuid.New()),
		migration.WithClock(clock),
		migration.WithHasher(sha256.New()),
	}
	blobs, err := a.openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		opts = append(opts, migration.WithBlobStore(blobs))
	}
	publisher, err := a.openPublisher(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		opts = append(opts, migration.WithPublisher(publisher))
	}

	a.runner, err = migration.NewRunner(pager, a.orchestrator, migration.RunnerConfig{
		Source: cfg.Source.Conn(),
		Dest:   cfg.Destination.Conn(),
		Budget: cfg.MigrationBudget(),
		Topic:  cfg.PubSub.TopicName,
	}, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("mapping_driver", cfg.Mapping.Driver),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.String("publisher", cfg.PubSub.Provider),
	)
	return a, nil
}

func openMappings(ctx context.Context, cfg config.MappingConfig, clock mapping.Clock, logger *zap.Logger) (mapping.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to postgres mapping store", zap.String("table", cfg.Table))
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns}, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres mappings: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("ensure mapping schema: %w", err), store.Close())
		}
		return store, nil
	case config.DriverSQLite:
		logger.Info("opening sqlite mapping store", zap.String("path", cfg.DSN))
		store, err := sqlite.Open(cfg.DSN, clock)
		if err != nil {
			return nil, fmt.Errorf("init sqlite mappings: %w", err)
		}
		return store, nil
	case config.DriverMemory, "":
		logger.Warn("using in-memory mapping store; mappings are lost on exit")
		return mappingmemory.New(clock), nil
	default:
		return nil, fmt.Errorf("unknown mapping driver: %s", cfg.Driver)
	}
}

func (a *App) openBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Provider {
	case config.StorageMemory:
		return storagememory.NewBlobStore(), nil
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case config.StorageGCS:
		a.logger.Info("using gcs storage", zap.String("bucket", cfg.GCSBucket))
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StorageNone, "":
		a.logger.Info("artifact archiving disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.PubSubConfig) (migration.Publisher, error) {
	switch cfg.Provider {
	case config.PublisherMemory:
		return memorypublisher.New(), nil
	case config.PublisherPubSub:
		a.logger.Info("connecting to pubsub", zap.String("topic", cfg.TopicName))
		pub, err := pubsub.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	case config.PublisherNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publisher: %s", cfg.Provider)
	}
}

// Close shuts down every opened service in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
