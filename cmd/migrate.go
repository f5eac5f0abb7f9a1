package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/repository/sqlite"
)

// newMigrateCmd creates the 'migrate' subcommand, copying the relational
// store into the vector-enabled backend.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Copies the SQLite store into the pgvector backend",
		Long: `Reads every book and review from the configured SQLite database,
computes their embeddings and upserts them into the Postgres/pgvector
store. Re-running the migration is safe: existing rows are left alone.`,
		RunE: runMigrateCommand,
	}
}

func runMigrateCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required to migrate")
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required to migrate")
	}

	ctx := cmd.Context()

	src, err := sqlite.New(cfg.Storage.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("open sqlite source: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Warn("close sqlite source", zap.Error(cerr))
		}
	}()

	dst, err := openVectorRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil {
			logger.Warn("close pgvector store", zap.Error(cerr))
		}
	}()

	if err := dst.Migrate(ctx, src); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migration finished")
	return nil
}
