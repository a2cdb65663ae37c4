package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/config"
	"github.com/Ruscigno/feedpulse/pkg/database"
	"github.com/Ruscigno/feedpulse/pkg/feed"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/logging"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/repository"
	"github.com/Ruscigno/feedpulse/pkg/repository/memory"
	"github.com/Ruscigno/feedpulse/pkg/strategy"
)

var version = "dev"

// Loaded once per invocation before any command runs.
var (
	cfg    config.Config
	logger *zap.Logger
)

// rootCmd serves when no subcommand is given
var rootCmd = &cobra.Command{
	Use:           "feedpulse",
	Short:         "FeedPulse time-series ingestion",
	Long:          `Downloads financial time series from their providers and keeps them current in the database`,
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return err
		}
		logger = logging.New(cfg.Log)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if logger == nil {
		// The configuration could not be loaded.
		logger = zap.NewExample()
	}
	if err != nil {
		logger.Error("FeedPulse exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newRegistry(repo repository.Repository, m *metrics.ApplicationMetrics) (*strategy.Registry, error) {
	deps := strategy.Deps{
		Importer: importer.NewEngine(repo, logger, m),
		Logger:   logger,
		Metrics:  m,
	}
	if cfg.Provider.FlatFilesAccessKey != "" {
		client, err := feed.NewFlatFileClient(flatFileConfig(cfg.Provider))
		if err != nil {
			return nil, err
		}
		deps.FlatFiles = client
	}
	return strategy.Defaults(cfg, deps)
}

func openRepository(cfg config.Config, logger *zap.Logger) (repository.Repository, func(), error) {
	if cfg.Database.Storage == "memory" {
		logger.Warn("Using in-memory storage; data is lost on exit")
		return memory.New(), func() {}, nil
	}

	db, err := database.NewDB(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := db.RunMigrations(); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database", zap.Error(err))
		}
	}
	return repository.NewPostgres(db.DB, logger), closeDB, nil
}

func flatFileConfig(p config.ProviderConfig) feed.FlatFileConfig {
	return feed.FlatFileConfig{
		Endpoint:  p.FlatFilesEndpoint,
		AccessKey: p.FlatFilesAccessKey,
		SecretKey: p.FlatFilesSecretKey,
		Bucket:    p.FlatFilesBucket,
	}
}
