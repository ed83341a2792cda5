package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/internal/database"
)

func (a *App) migrateCommand() *cobra.Command {
	var version uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `migrate brings the database schema up to date, or to --version when given.

--force marks the database as clean at a version before migrating; use it to
recover from a failed migration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate(cmd.Context(), cmd, version, force)
		},
	}
	cmd.Flags().UintVar(&version, "version", 0, "target schema version (default latest)")
	cmd.Flags().IntVar(&force, "force", 0, "force the recorded schema version before migrating")
	return cmd
}

func (a *App) migrate(ctx context.Context, cmd *cobra.Command, version uint, force int) error {
	db, err := database.Open(ctx, a.databaseConfig(), a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrationConfig := a.migrationConfig()
	if cmd.Flags().Changed("version") {
		migrationConfig.Version = version
	}
	if cmd.Flags().Changed("force") {
		migrationConfig.Force = force
	}

	return database.NewMigrationService(a.logger, migrationConfig).MigratePostgres(db, a.cfg.DatabaseName)
}
