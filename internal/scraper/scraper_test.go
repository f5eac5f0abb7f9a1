package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
	"github.com/yomitai/bookmeter-crawler/internal/fetcher"
	"github.com/yomitai/bookmeter-crawler/internal/retry"
)

// memRepo is an in-memory repository recording saves.
type memRepo struct {
	mu       sync.Mutex
	books    map[int64]bookmeter.Book
	reviews  []bookmeter.Review
	existing map[int64]bool
}

func newMemRepo() *memRepo {
	return &memRepo{books: map[int64]bookmeter.Book{}, existing: map[int64]bool{}}
}

func (r *memRepo) Exists(_ context.Context, bookID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.existing[bookID], nil
}

func (r *memRepo) Books(context.Context) ([]bookmeter.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	books := make([]bookmeter.Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	return books, nil
}

func (r *memRepo) Reviews(context.Context) ([]bookmeter.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bookmeter.Review(nil), r.reviews...), nil
}

func (r *memRepo) Save(ctx context.Context, book bookmeter.Book, source string) error {
	if err := r.SaveBook(ctx, book); err != nil {
		return err
	}
	return r.SaveReviews(ctx, bookmeter.ReviewsOf(book, source))
}

func (r *memRepo) SaveBook(_ context.Context, book bookmeter.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books[book.ID] = book
	return nil
}

func (r *memRepo) SaveReviews(_ context.Context, reviews []bookmeter.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, reviews...)
	return nil
}

func (r *memRepo) Destroy(context.Context) error { return nil }
func (r *memRepo) Close() error                  { return nil }

func (r *memRepo) bookCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.books)
}

// scriptFetcher serves canned pages, optionally failing a URL a scripted
// number of times first. It tracks peak fetch concurrency.
type scriptFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	failures map[string]int
	visited  []string
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func newScriptFetcher() *scriptFetcher {
	return &scriptFetcher{pages: map[string]string{}, failures: map[string]int{}}
}

func (f *scriptFetcher) Fetch(_ context.Context, url string, tolerateError bool) (string, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.visited = append(f.visited, url)
	if n := f.failures[url]; n > 0 {
		f.failures[url] = n - 1
		f.mu.Unlock()
		if tolerateError {
			return "", nil
		}
		return "", &fetcher.FetchError{URL: url, Cause: errors.New("scripted failure")}
	}
	page := f.pages[url]
	f.mu.Unlock()
	return page, nil
}

func (f *scriptFetcher) visitedURL(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.visited {
		if v == url {
			return true
		}
	}
	return false
}

func searchHTML(ids ...int64) string {
	html := "<html><body><ul>"
	for _, id := range ids {
		html += fmt.Sprintf(`<li><a href="/books/%d">book</a></li>`, id)
	}
	return html + "</ul></body></html>"
}

func authorJSON(id int64, title string) string {
	return fmt.Sprintf(`{"metadata":{"count":1},"resources":[
		{"id":%d,"path":"/books/%d","title":%q,"published_at":"2021-05-01",
		 "author":{"path":"/authors/1","name":"Test Author"}}
	]}`, id, id, title)
}

func reviewsJSON(texts ...string) string {
	body := `{"metadata":{"count":1},"resources":[`
	for i, text := range texts {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id":%d,"content":%q}`, i+1, text)
	}
	return body + "]}"
}

// wireBook registers the full fetch chain for one book id under a keyword.
func wireBook(f *scriptFetcher, keyword string, id int64, title, review string) {
	f.pages[bookmeter.SearchURL(keyword, 1, true)] = searchHTML(id)
	f.pages[bookmeter.AuthorURL(id, relatedBooksLimit)] = authorJSON(id, title)
	f.pages[bookmeter.ReviewURL(id, reviewPageOffset, reviewPageLimit)] = reviewsJSON(review)
}

func testOptions(keywords ...string) Options {
	return Options{
		Keywords:       keywords,
		MaxWorkers:     2,
		MaxSearchPages: 2,
		RetryQueueSize: 16,
		RetryPolicy:    retry.Policy{BackoffFactor: 1, MaxRetryCount: 3},
		PollInterval:   10 * time.Millisecond,
		DrainTimeout:   2 * time.Second,
	}
}

func newTestScraper(t *testing.T, f *scriptFetcher, repo *memRepo, opts Options) *Scraper {
	t.Helper()
	s, err := New(Deps{
		Repo:       repo,
		Login:      func(context.Context) error { return nil },
		NewFetcher: func() (PageFetcher, func(), error) { return f, func() {}, nil },
		Logger:     zap.NewNop(),
	}, opts)
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	deps := Deps{
		Repo:       newMemRepo(),
		Login:      func(context.Context) error { return nil },
		NewFetcher: func() (PageFetcher, func(), error) { return newScriptFetcher(), func() {}, nil },
	}

	_, err := New(Deps{}, testOptions("go"))
	require.Error(t, err)

	_, err = New(deps, Options{})
	require.Error(t, err) // no keywords

	s, err := New(deps, testOptions("go"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
}

func TestRunCrawlsAndPersists(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 7, "Deep Go", "a review that is long enough to keep")
	repo := newMemRepo()

	s := newTestScraper(t, f, repo, testOptions("golang"))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateClosed, s.State())
	require.Equal(t, 1, repo.bookCount())
	assert.Equal(t, "Deep Go", repo.books[7].Title)
	require.Len(t, repo.reviews, 1)
	assert.Equal(t, bookmeter.Source, repo.reviews[0].Source)
}

func TestRunLoginFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	s, err := New(Deps{
		Repo:       newMemRepo(),
		Login:      func(context.Context) error { return errors.New("bad credentials") },
		NewFetcher: func() (PageFetcher, func(), error) { return f, func() {}, nil },
	}, testOptions("golang"))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, f.visited)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 9, "Retried", "a review that is long enough to keep")
	// First related-books fetch fails hard, the retry redo succeeds.
	f.failures[bookmeter.AuthorURL(9, relatedBooksLimit)] = 1
	repo := newMemRepo()

	s := newTestScraper(t, f, repo, testOptions("golang"))
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, 1, repo.bookCount())
	assert.Equal(t, "Retried", repo.books[9].Title)
}

func TestRunRetriesReviewFetchFailure(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 9, "Review Retried", "a review that is long enough to keep")
	// The first reviews-endpoint fetch fails hard; the book must come back
	// through the retry queue instead of being dropped as reviewless.
	f.failures[bookmeter.ReviewURL(9, reviewPageOffset, reviewPageLimit)] = 1
	repo := newMemRepo()

	s := newTestScraper(t, f, repo, testOptions("golang"))
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, 1, repo.bookCount())
	assert.Equal(t, "Review Retried", repo.books[9].Title)
}

func TestRunDrainDeadlineStopsRetryWorker(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	f.pages[bookmeter.SearchURL("golang", 1, true)] = searchHTML(8, 9)
	for _, id := range []int64{8, 9} {
		f.pages[bookmeter.AuthorURL(id, relatedBooksLimit)] = authorJSON(id, "Unreachable")
		f.pages[bookmeter.ReviewURL(id, reviewPageOffset, reviewPageLimit)] = reviewsJSON("a review that is long enough to keep")
		f.failures[bookmeter.AuthorURL(id, relatedBooksLimit)] = 1000
	}
	repo := newMemRepo()

	opts := testOptions("golang")
	// Long backoffs park the retry worker with items still queued, so the
	// drain deadline is what has to end the run.
	opts.RetryPolicy = retry.Policy{BackoffFactor: 5, MaxRetryCount: 100}
	opts.DrainTimeout = 50 * time.Millisecond

	var opened, released atomic.Int32
	s, err := New(Deps{
		Repo:  repo,
		Login: func(context.Context) error { return nil },
		NewFetcher: func() (PageFetcher, func(), error) {
			opened.Add(1)
			return f, func() { released.Add(1) }, nil
		},
		Logger: zap.NewNop(),
	}, opts)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))

	// Run must not wait out the five-second backoff, and every fetcher,
	// the retry worker's included, must be released before Run returns.
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, opened.Load(), released.Load())
	assert.Zero(t, repo.bookCount())
	assert.Equal(t, StateClosed, s.State())
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 9, "Never", "a review that is long enough to keep")
	f.failures[bookmeter.AuthorURL(9, relatedBooksLimit)] = 100

	opts := testOptions("golang")
	opts.RetryPolicy = retry.Policy{BackoffFactor: 1, MaxRetryCount: 1}
	repo := newMemRepo()

	s := newTestScraper(t, f, repo, opts)
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, repo.bookCount())
}

func TestRunSkipsExistingBooks(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 7, "Stored Already", "a review that is long enough to keep")
	repo := newMemRepo()
	repo.existing[7] = true

	opts := testOptions("golang")
	opts.SkipExisting = true

	s := newTestScraper(t, f, repo, opts)
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, repo.bookCount())
	assert.False(t, f.visitedURL(bookmeter.AuthorURL(7, relatedBooksLimit)))
}

func TestRunFiltersUnwantedTitles(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 7, "ComicBook Vol.1", "a review that is long enough to keep")
	repo := newMemRepo()

	opts := testOptions("golang")
	opts.UnwantedTitleKeywords = []string{"Comic"}

	s := newTestScraper(t, f, repo, opts)
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, repo.bookCount())
}

type stubHarvester struct {
	reviews []bookmeter.Review
}

func (h *stubHarvester) Reviews(_ context.Context, bookID int64) []bookmeter.Review {
	out := make([]bookmeter.Review, 0, len(h.reviews))
	for _, r := range h.reviews {
		r.BookID = bookID
		out = append(out, r)
	}
	return out
}

func TestRunHarvestsMarketplaceReviews(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 7, "Deep Go", "a review that is long enough to keep")
	repo := newMemRepo()

	s, err := New(Deps{
		Repo:       repo,
		Login:      func(context.Context) error { return nil },
		NewFetcher: func() (PageFetcher, func(), error) { return f, func() {}, nil },
		Harvester: &stubHarvester{reviews: []bookmeter.Review{
			{Source: "amazon", Text: "a marketplace review long enough"},
		}},
	}, testOptions("golang"))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	sources := map[string]int{}
	for _, r := range repo.reviews {
		sources[r.Source]++
	}
	assert.Equal(t, 1, sources[bookmeter.Source])
	assert.Equal(t, 1, sources["amazon"])
}

func TestRunBoundsWorkerConcurrency(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	f.delay = 20 * time.Millisecond
	keywords := []string{"a", "b", "c", "d", "e", "f"}
	for i, kw := range keywords {
		wireBook(f, kw, int64(100+i), fmt.Sprintf("Book %d", i), "a review that is long enough to keep")
	}
	repo := newMemRepo()

	opts := testOptions(keywords...)
	opts.MaxWorkers = 2

	s := newTestScraper(t, f, repo, opts)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, len(keywords), repo.bookCount())
	assert.LessOrEqual(t, f.peak.Load(), int32(opts.MaxWorkers))
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	f := newScriptFetcher()
	wireBook(f, "golang", 7, "Deep Go", "a review that is long enough to keep")
	repo := newMemRepo()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScraper(t, f, repo, testOptions("golang"))
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, s.State())
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "crawling", StateCrawling.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
}
