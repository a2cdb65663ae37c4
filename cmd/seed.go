package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/config"
	"github.com/Ruscigno/feedpulse/pkg/service"
)

var seedFile string

// seedCmd upserts the configured feeds and their pipelines, then exits
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load feeds and pipelines from the feeds file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := seedFile
		if path == "" {
			path = cfg.FeedsFile
		}
		seeds, err := config.LoadFeeds(path)
		if err != nil {
			return err
		}

		repo, closeRepo, err := openRepository(cfg, logger)
		if err != nil {
			return err
		}
		defer closeRepo()

		registry, err := newRegistry(repo, nil)
		if err != nil {
			return err
		}
		res, err := service.NewService(repo, nil, registry, logger, nil).SeedFeeds(cmd.Context(), seeds)
		if err != nil {
			return err
		}
		logger.Info("Feeds seeded",
			zap.String("file", path),
			zap.Int("feeds", res.Feeds),
			zap.Int("pipelines", res.Pipelines))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "feeds file (defaults to FEEDS_FILE)")
	rootCmd.AddCommand(seedCmd)
}
