// Package fetcher provides the dual-path page fetcher: a stateful browser
// engine first, a plain HTTP client as the degraded path.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/metrics"
)

// PageFetcher retrieves the text of a URL over one transport path.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetchError reports that both fetch paths failed for a URL.
type FetchError struct {
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed on both paths: %v", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Client chains the browser path and the HTTP fallback. The browser fetcher
// is typically a per-worker tab, so one Client belongs to one worker and
// serializes its own navigations implicitly.
type Client struct {
	browser  PageFetcher
	fallback PageFetcher
	logger   *zap.Logger
}

// NewClient builds a dual-path client.
func NewClient(browser, fallback PageFetcher, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{browser: browser, fallback: fallback, logger: logger}
}

// Fetch retrieves url, trying the browser engine first and degrading to the
// plain HTTP client. When both paths fail: with tolerateError the caller
// gets an empty string and must treat it as "no data"; without it a
// *FetchError carrying the URL and root cause is returned.
func (c *Client) Fetch(ctx context.Context, url string, tolerateError bool) (string, error) {
	text, browserErr := c.browser.Fetch(ctx, url)
	if browserErr == nil {
		metrics.PageFetched("browser")
		return text, nil
	}
	c.logger.Warn("browser fetch failed, falling back to http client",
		zap.String("url", url),
		zap.Error(browserErr),
	)

	text, fallbackErr := c.fallback.Fetch(ctx, url)
	if fallbackErr == nil {
		metrics.PageFetched("fallback")
		return text, nil
	}

	if tolerateError {
		c.logger.Warn("both fetch paths failed, returning empty",
			zap.String("url", url),
			zap.Error(fallbackErr),
		)
		return "", nil
	}
	return "", &FetchError{URL: url, Cause: fallbackErr}
}
