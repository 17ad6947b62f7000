package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/config"
	"github.com/JakeFAU/practicewatch/internal/migrations"
	pgstore "github.com/JakeFAU/practicewatch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/practicewatch/internal/storage/sqlite"
)

// Migrate applies pending schema migrations for the configured SQL driver and
// returns the resulting schema version.
func Migrate(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.DriverPostgres:
		repo, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DSN, MaxConns: 1})
		if err != nil {
			return 0, fmt.Errorf("postgres repository init failed: %w", err)
		}
		defer func() { _ = repo.Close() }()
		applied, err := repo.Migrate(ctx)
		if err != nil {
			return 0, err
		}
		logger.Info("postgres migrations applied", zap.Int64s("versions", applied))
		if len(applied) == 0 {
			return 0, nil
		}
		return applied[len(applied)-1], nil
	case config.DriverSQLite:
		// Open applies migrations itself.
		repo, err := sqlitestore.Open(ctx, cfg.DSN)
		if err != nil {
			return 0, fmt.Errorf("sqlite repository init failed: %w", err)
		}
		defer func() { _ = repo.Close() }()
		version, err := migrations.Version(ctx, repo.DB(), migrations.SQLite)
		if err != nil {
			return 0, err
		}
		logger.Info("sqlite schema ready", zap.Int64("version", version))
		return version, nil
	default:
		return 0, fmt.Errorf("driver %q has no schema to migrate", cfg.Driver)
	}
}
