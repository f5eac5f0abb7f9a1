// Package fallback implements the plain HTTP fetch path using gocolly.
// It is the second leg of the dual-path fetcher: when the browser engine
// fails, this client retries the URL directly with jittered exponential
// backoff.
package fallback

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector and retry behavior.
type Config struct {
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
	// Retries is the number of additional attempts after the first.
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Client fetches URLs over plain HTTP with bounded retries.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Client{cfg: cfg, baseCollector: c}
}

// Fetch retrieves the URL body as text, retrying with backoff on failure.
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("fallback fetch canceled: %w", ctx.Err())
			case <-time.After(c.backoff(attempt)):
			}
		}
		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("fallback fetch %s failed after %d attempts: %w", url, c.cfg.Retries+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) (string, error) {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.Timeout)

	var (
		body     string
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range c.cfg.Headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("visit failed: %w", err)
		}
		if fetchErr != nil {
			return "", fmt.Errorf("response failed: %w", fetchErr)
		}
		return body, nil
	}
}

// backoff computes the jittered exponential delay before the given attempt.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
