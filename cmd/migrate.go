package main

import (
	"strconv"

	"github.com/spf13/cobra"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/database"
)

// migrateCmd groups the schema migration commands
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(db *database.DB) error {
			return db.RunMigrations()
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down N",
	Short: "Roll back the last N migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := strconv.Atoi(args[0])
		if err != nil || steps <= 0 {
			return apperrors.Newf(apperrors.ErrCodeValidation, "migration steps must be a positive number, got %q", args[0])
		}
		return withDatabase(func(db *database.DB) error {
			return db.RollbackMigrations(steps)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withDatabase(fn func(*database.DB) error) error {
	db, err := database.NewDB(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}
