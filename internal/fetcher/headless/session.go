// Package headless drives the stateful browser session via chromedp.
package headless

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Config controls the browser session.
type Config struct {
	// UserDataDir is the persistent profile directory. Cookies set by the
	// login flow live here and are shared by every tab.
	UserDataDir string
	Headless    bool
	NavTimeout  time.Duration
	UserAgent   string
}

// Session owns one browser process for the duration of a crawl run. Tabs
// are created per worker and share the session's cookies; a tab must only
// serve one fetch at a time.
type Session struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewSession launches the browser against the persistent profile.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.UserDataDir == "" {
		return nil, fmt.Errorf("user data dir is required")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(cfg.UserDataDir),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Materialize the browser process before handing out tabs.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts down every tab and the browser, releasing the profile.
func (s *Session) Close() {
	s.browserCancel()
	s.allocCancel()
}

// NewTab opens a fresh tab in the shared browser.
func (s *Session) NewTab() (*Tab, error) {
	if s.browserCtx == nil {
		return nil, fmt.Errorf("session is not started")
	}
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	return &Tab{
		ctx:        tabCtx,
		cancel:     tabCancel,
		navTimeout: s.cfg.NavTimeout,
	}, nil
}

// Login authenticates the session on a throwaway tab. If the profile still
// carries a valid cookie the login page redirects home within probeTimeout
// and the credential form is skipped; otherwise the form is submitted and
// the home redirect is awaited as the success signal.
func (s *Session) Login(ctx context.Context, loginURL, homeURL, email, password string) error {
	tab, err := s.NewTab()
	if err != nil {
		return err
	}
	defer tab.Close()

	navCtx, cancel := context.WithTimeout(tab.ctx, s.cfg.NavTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(loginURL)); err != nil {
		return fmt.Errorf("navigate login page: %w", err)
	}

	const probeTimeout = 2 * time.Second
	if err := waitForURL(navCtx, homeURL, probeTimeout, tabLocation); err == nil {
		return nil // still authenticated from a previous run
	}

	submit := []chromedp.Action{
		chromedp.WaitVisible(`input#session_email_address`, chromedp.ByQuery),
		chromedp.SendKeys(`input#session_email_address`, email, chromedp.ByQuery),
		chromedp.SendKeys(`input#session_password`, password, chromedp.ByQuery),
		chromedp.Click(`#js_sessions_new_form form button`, chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, submit...); err != nil {
		return fmt.Errorf("submit credentials: %w", err)
	}

	// The redirect wait gets a fresh deadline: navCtx has already spent
	// part of its timeout on the navigation and the probe.
	waitCtx, cancelWait := context.WithTimeout(tab.ctx, s.cfg.NavTimeout)
	defer cancelWait()
	if err := waitForURL(waitCtx, homeURL, s.cfg.NavTimeout, tabLocation); err != nil {
		return fmt.Errorf("login did not reach %s: %w", homeURL, err)
	}
	return nil
}

// locationFunc reads the current URL of a tab.
type locationFunc func(ctx context.Context) (string, error)

func tabLocation(ctx context.Context) (string, error) {
	var current string
	if err := chromedp.Run(ctx, chromedp.Location(&current)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return current, nil
}

// waitForURL polls the tab location until it reaches the wanted URL. The
// timeout budget belongs to this wait alone.
func waitForURL(ctx context.Context, want string, timeout time.Duration, location locationFunc) error {
	deadline := time.Now().Add(timeout)
	for {
		current, err := location(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(current, want) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out at %s", current)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Tab is one browser tab. It implements the fetcher.PageFetcher contract.
// Navigations mutate the tab's URL and the shared cookie jar, so callers
// must keep a single fetch in flight per tab.
type Tab struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

// Close closes the tab target.
func (t *Tab) Close() {
	t.cancel()
}

// Fetch navigates the tab to url, waits for the document to settle, scrolls
// to the bottom to trigger lazily rendered content and returns the rendered
// document. A document response with status >= 400 is an error.
func (t *Tab) Fetch(ctx context.Context, url string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(t.ctx, t.navTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	meta := &documentStatus{}
	chromedp.ListenTarget(fetchCtx, meta.capture)

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight);`, nil),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(fetchCtx, actions...); err != nil {
		return "", fmt.Errorf("browser navigate %s: %w", url, err)
	}
	if status := meta.get(); status >= 400 {
		return "", fmt.Errorf("browser fetch %s: bad status %d", url, status)
	}
	return html, nil
}

// documentStatus records the status code of the main document response.
type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (d *documentStatus) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
