package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/amazon"
	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
	"github.com/yomitai/bookmeter-crawler/internal/config"
	"github.com/yomitai/bookmeter-crawler/internal/fetcher"
	"github.com/yomitai/bookmeter-crawler/internal/fetcher/fallback"
	"github.com/yomitai/bookmeter-crawler/internal/fetcher/headless"
	"github.com/yomitai/bookmeter-crawler/internal/metrics"
	"github.com/yomitai/bookmeter-crawler/internal/repository"
	"github.com/yomitai/bookmeter-crawler/internal/retry"
	"github.com/yomitai/bookmeter-crawler/internal/scraper"
)

// newCrawlCmd creates the 'crawl' subcommand, the main entry point of the
// pipeline: authenticate, fan keywords out over browser tabs, persist.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl run over the configured search keywords",
		Long: `Launches the browser session, logs in with the configured account and
walks the keyword searches concurrently. Discovered books are resolved
through the JSON endpoints, filtered and written to the storage backend.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()

	if cfg.Metrics.Enabled {
		metrics.Init()
		go metrics.Serve(ctx, cfg.Metrics.Addr, logger)
	}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil {
			logger.Warn("close repository", zap.Error(cerr))
		}
	}()

	userAgent := bookmeter.RequestHeaders().Get("User-Agent")
	session, err := headless.NewSession(ctx, headless.Config{
		UserDataDir: cfg.Browser.UserDataDir,
		Headless:    cfg.Browser.Headless,
		NavTimeout:  cfg.NavTimeout(),
		UserAgent:   userAgent,
	})
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer session.Close()

	httpClient := fallback.New(fallback.Config{
		UserAgent: userAgent,
		Headers:   bookmeter.RequestHeaders(),
		Timeout:   cfg.NavTimeout(),
		Retries:   2,
	})

	s, err := buildScraper(cfg, session, httpClient, repo, logger)
	if err != nil {
		return err
	}

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl finished")
	return nil
}

// buildScraper assembles the orchestrator: per-worker dual-path fetchers
// backed by browser tabs, the login closure and the optional marketplace
// harvester.
func buildScraper(
	cfg config.Config,
	session *headless.Session,
	httpClient *fallback.Client,
	repo repository.Repository,
	logger *zap.Logger,
) (*scraper.Scraper, error) {
	newFetcher := func() (scraper.PageFetcher, func(), error) {
		tab, err := session.NewTab()
		if err != nil {
			return nil, nil, fmt.Errorf("open tab: %w", err)
		}
		return fetcher.NewClient(tab, httpClient, logger), tab.Close, nil
	}

	login := func(ctx context.Context) error {
		return session.Login(ctx, bookmeter.LoginURL(), bookmeter.HomeURL(),
			cfg.Auth.Email, cfg.Auth.Password)
	}

	var harvester scraper.ReviewHarvester
	if cfg.Amazon.Enabled {
		// Marketplace pages need no authenticated session, so the
		// harvester rides on the plain HTTP client alone.
		harvester = amazon.New(httpOnlyFetcher{httpClient}, cfg.Amazon.MaxReviewPages, logger)
	}

	return scraper.New(
		scraper.Deps{
			Repo:       repo,
			Login:      login,
			NewFetcher: newFetcher,
			Harvester:  harvester,
			Logger:     logger,
		},
		scraper.Options{
			Keywords:              cfg.Crawl.SearchKeywords,
			UnwantedTitleKeywords: cfg.Crawl.UnwantedTitleKeywords,
			MaxWorkers:            cfg.Crawl.MaxWorkers,
			MaxSearchPages:        cfg.Crawl.MaxSearchPages,
			SkipExisting:          cfg.Crawl.SkipExisting,
			RetryQueueSize:        cfg.Retry.QueueSize,
			RetryPolicy: retry.Policy{
				BackoffFactor: cfg.Retry.BackoffFactor,
				MaxRetryCount: cfg.Retry.MaxRetryCount,
			},
			PollInterval: cfg.RetryPollInterval(),
			DrainTimeout: cfg.DrainTimeout(),
		},
	)
}

// httpOnlyFetcher adapts the plain HTTP client to the tolerant fetch
// contract without a browser leg.
type httpOnlyFetcher struct {
	client *fallback.Client
}

func (f httpOnlyFetcher) Fetch(ctx context.Context, url string, tolerateError bool) (string, error) {
	text, err := f.client.Fetch(ctx, url)
	if err != nil && tolerateError {
		return "", nil
	}
	return text, err
}
