// Package cmd defines and implements the CLI commands for the migrator executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/api"
	"github.com/JakeFAU/accurate-migrator/internal/app"
	"github.com/JakeFAU/accurate-migrator/internal/config"
	"github.com/JakeFAU/accurate-migrator/internal/logging"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// DatabaseLister lists the databases an access token can open.
type DatabaseLister interface {
	ListDatabases(ctx context.Context, token string) ([]accurate.Database, error)
}

// MappingFinder resolves old numbers and returns whole stored mappings.
type MappingFinder interface {
	mapping.Reader
	mapping.Finder
}

// App defines the application services the commands use, so tests can
// inject a fake.
type App interface {
	Close() error
	GetConfig() config.Config
	GetLogger() *zap.Logger
	Migrator() api.Migrator
	Mappings() MappingFinder
	Databases() DatabaseLister
	Handler() http.Handler
}

type appServices struct {
	*app.App
}

func (a appServices) Migrator() api.Migrator    { return a.GetRunner() }
func (a appServices) Mappings() MappingFinder   { return a.GetMappings() }
func (a appServices) Databases() DatabaseLister { return a.GetClient() }
func (a appServices) Handler() http.Handler     { return a.NewServer().Handler() }

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appServices{App: a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "migrator",
		Short: "Copies master data and transactions between Accurate databases.",
		Long: `migrator moves records from a source Accurate database into a
destination database. Records are cleaned of server-managed fields, nested
references are flattened to the identifiers the API accepts on save, and the
numbers the destination assigns are remembered so later modules can point at
the migrated documents.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE, and stores it in the command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			err := appInstance.Close()
			// stderr sync fails on some platforms; nothing useful to report
			_ = appInstance.GetLogger().Sync()
			if err != nil {
				return fmt.Errorf("close services: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env MIGRATOR_* overrides apply either way)")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMappingCmd())
	cmd.AddCommand(newDatabasesCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrator: %v\n", err)
		os.Exit(1)
	}
}
