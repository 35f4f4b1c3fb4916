// services/hub/cmd/migrate.go
package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("Running database migrations...")

	// Connect to database
	db, err := infrastructure.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Auto-migrate all models
	logger.Info("Migrating models...")
	for _, model := range core.Models() {
		if err := db.Migrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
