// Package scraper orchestrates a crawl run: keyword fan-out over a bounded
// worker pool, a background retry worker, and a bounded drain phase.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
	"github.com/yomitai/bookmeter-crawler/internal/fetcher"
	"github.com/yomitai/bookmeter-crawler/internal/logging"
	"github.com/yomitai/bookmeter-crawler/internal/metrics"
	"github.com/yomitai/bookmeter-crawler/internal/repository"
	"github.com/yomitai/bookmeter-crawler/internal/retry"
)

// Parameters of the site's JSON endpoints. The related-books endpoint caps
// its useful output at eight entries; a single reviews page carries up to a
// hundred.
const (
	relatedBooksLimit = 8
	reviewPageOffset  = 0
	reviewPageLimit   = 100
)

// State tracks where a run is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateCrawling
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateCrawling:
		return "crawling"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PageFetcher is the dual-path fetch operation workers ride on.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, tolerateError bool) (string, error)
}

// FetcherFactory opens a fresh fetcher for one worker, typically backed by
// its own browser tab. The returned func releases the tab.
type FetcherFactory func() (PageFetcher, func(), error)

// ReviewHarvester gathers secondary-source reviews for a book, best effort.
type ReviewHarvester interface {
	Reviews(ctx context.Context, bookID int64) []bookmeter.Review
}

// Deps are the collaborators a Scraper drives.
type Deps struct {
	Repo       repository.Repository
	Login      func(ctx context.Context) error
	NewFetcher FetcherFactory
	// Harvester is optional; nil disables marketplace harvesting.
	Harvester ReviewHarvester
	Logger    *zap.Logger
}

// Options tune a crawl run.
type Options struct {
	Keywords              []string
	UnwantedTitleKeywords []string
	MaxWorkers            int
	MaxSearchPages        int
	SkipExisting          bool
	RetryQueueSize        int
	RetryPolicy           retry.Policy
	PollInterval          time.Duration
	DrainTimeout          time.Duration
}

// Scraper runs one crawl at a time. It is not safe to call Run concurrently.
type Scraper struct {
	deps  Deps
	opts  Options
	queue *retry.Queue
	state atomic.Int32
}

// New validates the wiring and builds a Scraper.
func New(deps Deps, opts Options) (*Scraper, error) {
	if deps.Repo == nil {
		return nil, errors.New("repository is required")
	}
	if deps.Login == nil {
		return nil, errors.New("login func is required")
	}
	if deps.NewFetcher == nil {
		return nil, errors.New("fetcher factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if len(opts.Keywords) == 0 {
		return nil, errors.New("at least one search keyword is required")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.MaxSearchPages <= 0 {
		opts.MaxSearchPages = 1
	}
	if opts.RetryQueueSize <= 0 {
		opts.RetryQueueSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Minute
	}
	return &Scraper{
		deps:  deps,
		opts:  opts,
		queue: retry.NewQueue(opts.RetryQueueSize),
	}, nil
}

// State reports the current lifecycle state.
func (s *Scraper) State() State {
	return State(s.state.Load())
}

func (s *Scraper) setState(next State) {
	s.state.Store(int32(next))
}

// Run executes one crawl: authenticate, fan keywords out over the worker
// pool, then drain queued retries under the drain deadline. A failed login
// is fatal; everything downstream degrades per item.
func (s *Scraper) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	logger := logging.WithRun(s.deps.Logger, uuid.NewString())

	s.setState(StateAuthenticating)
	if err := s.deps.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info("authenticated")

	s.setState(StateCrawling)

	// The retry worker gets its own cancelation so the drain deadline can
	// stop it before the session and repository are closed.
	retryCtx, cancelRetry := context.WithCancel(ctx)
	defer cancelRetry()

	retryStop := make(chan struct{})
	retryDone := make(chan struct{})
	go s.retryWorker(retryCtx, logger, retryStop, retryDone)

	keywords := shuffled(s.opts.Keywords)
	logger.Info("starting keyword fan-out",
		zap.Int("keywords", len(keywords)),
		zap.Int("max_workers", s.opts.MaxWorkers),
	)

	sem := make(chan struct{}, s.opts.MaxWorkers)
	var wg sync.WaitGroup
	for _, kw := range keywords {
		wg.Add(1)
		go func(keyword string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			metrics.WorkerStarted()
			defer metrics.WorkerFinished()
			s.keywordWorker(ctx, logger, keyword)
		}(kw)
	}
	wg.Wait()

	s.setState(StateDraining)
	close(retryStop)
	select {
	case <-retryDone:
	case <-time.After(s.opts.DrainTimeout):
		logger.Warn("drain deadline hit, abandoning queued retries",
			zap.Int("remaining", s.queue.Len()))
		cancelRetry()
		<-retryDone // let the worker finish its current item before teardown
	case <-ctx.Done():
		<-retryDone
	}

	if n := s.queue.Len(); n > 0 {
		logger.Warn("run finished with unprocessed retries", zap.Int("remaining", n))
	} else {
		logger.Info("run finished")
	}
	return ctx.Err()
}

// keywordWorker walks the search listing pages for one keyword on its own
// tab and resolves every book id it finds.
func (s *Scraper) keywordWorker(ctx context.Context, logger *zap.Logger, keyword string) {
	logger = logger.With(zap.String("keyword", keyword))

	fetch, release, err := s.deps.NewFetcher()
	if err != nil {
		logger.Error("open worker fetcher", zap.Error(err))
		return
	}
	defer release()

	for page := 1; page <= s.opts.MaxSearchPages; page++ {
		if ctx.Err() != nil {
			return
		}
		html, err := fetch.Fetch(ctx, bookmeter.SearchURL(keyword, page, true), true)
		if err != nil {
			logger.Warn("search page fetch", zap.Int("page", page), zap.Error(err))
			return
		}
		ids := bookmeter.SearchIDs(html)
		if len(ids) == 0 {
			logger.Debug("search exhausted", zap.Int("page", page))
			return
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if s.opts.SkipExisting {
				exists, err := s.deps.Repo.Exists(ctx, id)
				if err != nil {
					logger.Warn("existence check", zap.Int64("book_id", id), zap.Error(err))
				} else if exists {
					logger.Debug("skipping stored book", zap.Int64("book_id", id))
					continue
				}
			}
			if err := s.processBook(ctx, logger, fetch, id); err != nil {
				s.handleBookFailure(logger, id, 0, err)
			}
		}
	}
}

// handleBookFailure schedules a retry for transient fetch failures and logs
// everything else. next is the attempt count the re-enqueued item will
// carry: zero for a fresh failure, item.Attempt+1 for a failed redo.
func (s *Scraper) handleBookFailure(logger *zap.Logger, bookID int64, next int, err error) {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		if !s.opts.RetryPolicy.CanRetry(next) {
			metrics.RetryExhausted()
			logger.Warn("retries exhausted, dropping book",
				zap.Int64("book_id", bookID),
				zap.Int("attempts", next),
			)
			return
		}
		s.queue.Enqueue(retry.Item{BookID: bookID, Attempt: next})
		metrics.RetryScheduled()
		logger.Info("scheduled retry",
			zap.Int64("book_id", bookID),
			zap.Int("attempt", next),
			zap.Error(err),
		)
		return
	}
	logger.Error("book processing failed",
		zap.Int64("book_id", bookID),
		zap.Error(err),
	)
}

// retryWorker redoes failed book resolutions on its own tab. After stop
// closes it keeps draining until the queue is empty, then exits; canceling
// ctx stops it after the item in flight.
func (s *Scraper) retryWorker(ctx context.Context, logger *zap.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger = logger.With(zap.String("worker", "retry"))

	fetch, release, err := s.deps.NewFetcher()
	if err != nil {
		logger.Error("open retry fetcher", zap.Error(err))
		return
	}
	defer release()

	for {
		if ctx.Err() != nil {
			return
		}
		item, err := s.queue.Dequeue()
		if errors.Is(err, retry.ErrEmptyQueue) {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(s.opts.PollInterval):
				continue
			}
		}

		if delay := s.opts.RetryPolicy.Backoff(item.Attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		logger.Info("retrying book",
			zap.Int64("book_id", item.BookID),
			zap.Int("attempt", item.Attempt),
		)
		if err := s.processBook(ctx, logger, fetch, item.BookID); err != nil {
			s.handleBookFailure(logger, item.BookID, item.Attempt+1, err)
		}
	}
}

// processBook resolves one book id into persisted books and reviews. Both
// the related-books fetch and the per-book review fetches are hard
// dependencies: their failures surface as a *fetcher.FetchError so the
// caller can schedule a retry instead of silently dropping the book.
func (s *Scraper) processBook(ctx context.Context, logger *zap.Logger, fetch PageFetcher, bookID int64) error {
	raw, err := fetch.Fetch(ctx, bookmeter.AuthorURL(bookID, relatedBooksLimit), false)
	if err != nil {
		return err
	}
	resp := bookmeter.DecodeAuthorResponse(bookmeter.JSONFromHTML(raw))
	if resp == nil {
		logger.Warn("unusable related-books payload", zap.Int64("book_id", bookID))
		return nil
	}

	for _, res := range resp.Resources {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reviewsRaw, err := fetch.Fetch(ctx, bookmeter.ReviewURL(res.ID, reviewPageOffset, reviewPageLimit), false)
		if err != nil {
			return err
		}
		texts := bookmeter.FilterReviews(bookmeter.DecodeReviewList(bookmeter.JSONFromHTML(reviewsRaw)))

		book := bookmeter.BuildBook(res, texts)
		if !bookmeter.WantedBook(&book, s.opts.UnwantedTitleKeywords) {
			logger.Debug("discarding unwanted book",
				zap.Int64("book_id", book.ID),
				zap.String("title", book.Title),
			)
			continue
		}

		if err := s.deps.Repo.Save(ctx, book, bookmeter.Source); err != nil {
			return fmt.Errorf("save book %d: %w", book.ID, err)
		}
		metrics.BookSaved()
		metrics.ReviewsSaved(bookmeter.Source, len(book.Reviews))
		logger.Info("book saved",
			zap.Int64("book_id", book.ID),
			zap.String("title", book.Title),
			zap.Int("reviews", len(book.Reviews)),
		)

		if s.deps.Harvester == nil {
			continue
		}
		extra := s.deps.Harvester.Reviews(ctx, res.ID)
		if len(extra) == 0 {
			continue
		}
		if err := s.deps.Repo.SaveReviews(ctx, extra); err != nil {
			return fmt.Errorf("save marketplace reviews for %d: %w", res.ID, err)
		}
		metrics.ReviewsSaved(extra[0].Source, len(extra))
		logger.Info("marketplace reviews saved",
			zap.Int64("book_id", res.ID),
			zap.Int("reviews", len(extra)),
		)
	}
	return nil
}

// shuffled returns a shuffled copy so concurrent runs spread their load
// across different keywords first.
func shuffled(keywords []string) []string {
	out := make([]string, len(keywords))
	copy(out, keywords)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
