// Package cmd defines and implements the CLI commands for the practicewatch executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/app"
	"github.com/JakeFAU/practicewatch/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipApp marks commands that run without the full dependency graph.
const skipApp = "skip-app"

// newApp is the application factory. It's a variable so tests can build the
// App with a quiet logger.
var newApp = app.Build

// loadConfig reads configuration; replaced in tests.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "practicewatch",
		Short: "Watches NHS practice pages for practices accepting new patients.",
		Long: `practicewatch discovers practices near each subscription's location,
checks their appointments pages on a polite schedule, records every check,
and notifies subscribers when a nearby practice starts accepting new patients.`,
		SilenceUsage: true,

		// Config is loaded and the App injected before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if _, skip := cmd.Annotations[skipApp]; !skip {
				appInstance, err := newApp(ctx, cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PRACTICEWATCH_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newCycleCmd(),
		newStatsCmd(),
		newDiscoverCmd(),
		newClassifyCmd(),
		newMigrateCmd(),
	)
	return cmd
}

const configKey appKeyType = "config"

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func logger(ctx context.Context) *zap.Logger {
	if a, err := resolveApp(ctx); err == nil {
		return a.Logger()
	}
	return zap.L()
}
