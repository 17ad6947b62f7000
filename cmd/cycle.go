package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCycleCmd creates the 'cycle' subcommand, which runs one cycle and prints its summary.
func newCycleCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single discovery and check cycle",
		Long: `Runs one cycle: discover practices for every subscription group (or only
--location), check the least recently checked batch, and notify subscribers.
Interrupting the command stops new checks; in-flight checks are still recorded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := appInstance.Engine().RunCycle(ctx, location)
			if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
				return printErr
			}
			if errors.Is(err, context.Canceled) {
				appInstance.Logger().Warn("cycle interrupted", zap.String("cycle_id", summary.CycleID))
				return nil
			}
			if err != nil {
				return fmt.Errorf("run cycle: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "only discover and check this location hint")
	return cmd
}

// newStatsCmd creates the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report target coverage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.Engine().Stats(cmd.Context(), location)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "scope the report to this location hint")
	return cmd
}
