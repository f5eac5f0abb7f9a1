// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Auth     AuthConfig     `mapstructure:"auth"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Amazon   AmazonConfig   `mapstructure:"amazon"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Embed    EmbedConfig    `mapstructure:"embeddings"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AuthConfig holds the Bookmeter account credentials.
type AuthConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// BrowserConfig controls the headless browser session.
type BrowserConfig struct {
	UserDataDir       string `mapstructure:"user_data_dir"`
	Headless          bool   `mapstructure:"headless"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// CrawlConfig governs the keyword fan-out and filtering.
type CrawlConfig struct {
	SearchKeywords        []string `mapstructure:"search_keywords"`
	UnwantedTitleKeywords []string `mapstructure:"unwanted_title_keywords"`
	MaxWorkers            int      `mapstructure:"max_workers"`
	MaxSearchPages        int      `mapstructure:"max_search_pages"`
	SkipExisting          bool     `mapstructure:"skip_existing"`
}

// RetryConfig configures the background retry subsystem.
type RetryConfig struct {
	QueueSize           int `mapstructure:"queue_size"`
	MaxRetryCount       int `mapstructure:"max_retry_count"`
	BackoffFactor       int `mapstructure:"backoff_factor"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// AmazonConfig toggles the marketplace review harvester.
type AmazonConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxReviewPages int  `mapstructure:"max_review_pages"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "pgvector"
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
}

// EmbedConfig configures the text-embedding service used by the vector backend.
type EmbedConfig struct {
	APIKey string `mapstructure:"api_key"`
	APIURL string `mapstructure:"api_url"`
	Model  string `mapstructure:"model"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("crawl.max_workers", 5)
	v.SetDefault("crawl.max_search_pages", 15)
	v.SetDefault("crawl.skip_existing", false)
	v.SetDefault("crawl.unwanted_title_keywords", []string{})
	v.SetDefault("retry.queue_size", 512)
	v.SetDefault("retry.max_retry_count", 3)
	v.SetDefault("retry.backoff_factor", 1)
	v.SetDefault("retry.poll_interval_seconds", 5)
	v.SetDefault("retry.drain_timeout_seconds", 120)
	v.SetDefault("amazon.enabled", false)
	v.SetDefault("amazon.max_review_pages", 3)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "bookmeter_books.db")
	v.SetDefault("embeddings.api_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9091")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.Count(c.Auth.Email, "@") != 1 {
		return fmt.Errorf("auth.email must contain exactly one @")
	}
	if len(c.Auth.Password) < 8 {
		return fmt.Errorf("auth.password must be at least 8 characters")
	}
	if c.Browser.UserDataDir == "" {
		return fmt.Errorf("browser.user_data_dir is required")
	}
	if len(c.Crawl.SearchKeywords) == 0 {
		return fmt.Errorf("crawl.search_keywords must contain at least one keyword")
	}
	if c.Crawl.MaxWorkers <= 0 {
		return fmt.Errorf("crawl.max_workers must be > 0")
	}
	if c.Crawl.MaxSearchPages <= 0 {
		return fmt.Errorf("crawl.max_search_pages must be > 0")
	}
	if c.Retry.QueueSize <= 0 {
		return fmt.Errorf("retry.queue_size must be > 0")
	}
	if c.Retry.MaxRetryCount <= 0 {
		return fmt.Errorf("retry.max_retry_count must be > 0")
	}
	if c.Retry.BackoffFactor <= 0 {
		return fmt.Errorf("retry.backoff_factor must be > 0")
	}
	if c.Amazon.Enabled && c.Amazon.MaxReviewPages <= 0 {
		return fmt.Errorf("amazon.max_review_pages must be > 0 when amazon is enabled")
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "pgvector":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the pgvector backend")
		}
		if c.Embed.APIKey == "" {
			return fmt.Errorf("embeddings.api_key is required for the pgvector backend")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or pgvector, got %q", c.Storage.Backend)
	}
	return nil
}

// NavTimeout converts the browser navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// RetryPollInterval is how long the retry worker sleeps on an empty queue.
func (c Config) RetryPollInterval() time.Duration {
	return time.Duration(c.Retry.PollIntervalSeconds) * time.Second
}

// DrainTimeout bounds the retry drain phase after keyword tasks finish.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Retry.DrainTimeoutSeconds) * time.Second
}
