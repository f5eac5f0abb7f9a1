// Package cmd defines and implements the CLI commands for the bookcrawler
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/config"
	"github.com/yomitai/bookmeter-crawler/internal/embeddings"
	"github.com/yomitai/bookmeter-crawler/internal/logging"
	"github.com/yomitai/bookmeter-crawler/internal/repository"
	"github.com/yomitai/bookmeter-crawler/internal/repository/pgvector"
	"github.com/yomitai/bookmeter-crawler/internal/repository/sqlite"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookcrawler",
		Short: "A concurrent book review crawler for bookmeter.com.",
		Long: `bookcrawler drives an authenticated browser session over the site's
keyword search, resolves every discovered book through the related-books
and reviews endpoints and persists the filtered results into a relational
or vector-enabled store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bookcrawler.yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newDestroyCmd())

	return cmd
}

// Execute is the main entry point. It wires SIGINT/SIGTERM into the command
// context so a crawl can shut down its browser session cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the root logger.
func setup() (config.Config, *zap.Logger, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("bookcrawler.yaml"); err == nil {
			path = "bookcrawler.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openRepository builds the configured storage backend.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Repository, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLitePath, logger)
	case "pgvector":
		return openVectorRepository(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openVectorRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgvector.Repository, error) {
	embedder, err := embeddings.NewClient(embeddings.Config{
		APIKey: cfg.Embed.APIKey,
		APIURL: cfg.Embed.APIURL,
		Model:  cfg.Embed.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	repo, err := pgvector.New(ctx, pgvector.Config{DSN: cfg.Storage.DSN}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("init pgvector store: %w", err)
	}
	return repo, nil
}
