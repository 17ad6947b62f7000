package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/app"
)

// newMigrateCmd creates the 'migrate' subcommand. It only opens the database.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Apply pending schema migrations for db.driver",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			version, err := app.Migrate(cmd.Context(), cfg.DB, logger(cmd.Context()))
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger(cmd.Context()).Info("schema up to date", zap.Int64("version", version))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return err
		},
	}
}
