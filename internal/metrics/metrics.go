// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	pagesFetchedTotal     *prometheus.CounterVec
	booksSavedTotal       prometheus.Counter
	reviewsSavedTotal     *prometheus.CounterVec
	retriesScheduledTotal prometheus.Counter
	retriesExhaustedTotal prometheus.Counter
	activeKeywordWorkers  prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookcrawler_pages_fetched_total",
				Help: "Total pages fetched, labeled by transport path.",
			},
			[]string{"path"},
		)
		booksSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawler_books_saved_total",
				Help: "Total books persisted.",
			},
		)
		reviewsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookcrawler_reviews_saved_total",
				Help: "Total reviews persisted, labeled by source.",
			},
			[]string{"source"},
		)
		retriesScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawler_retries_scheduled_total",
				Help: "Total retry items enqueued.",
			},
		)
		retriesExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawler_retries_exhausted_total",
				Help: "Total retry items abandoned at the attempt ceiling.",
			},
		)
		activeKeywordWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookcrawler_active_keyword_workers",
				Help: "Keyword workers currently holding a concurrency slot.",
			},
		)
	})
}

// PageFetched counts one fetched page on the given transport path
// ("browser" or "fallback").
func PageFetched(path string) {
	if pagesFetchedTotal != nil {
		pagesFetchedTotal.WithLabelValues(path).Inc()
	}
}

// BookSaved counts one persisted book.
func BookSaved() {
	if booksSavedTotal != nil {
		booksSavedTotal.Inc()
	}
}

// ReviewsSaved counts persisted reviews for a source.
func ReviewsSaved(source string, count int) {
	if reviewsSavedTotal != nil && count > 0 {
		reviewsSavedTotal.WithLabelValues(source).Add(float64(count))
	}
}

// RetryScheduled counts one enqueued retry item.
func RetryScheduled() {
	if retriesScheduledTotal != nil {
		retriesScheduledTotal.Inc()
	}
}

// RetryExhausted counts one abandoned retry item.
func RetryExhausted() {
	if retriesExhaustedTotal != nil {
		retriesExhaustedTotal.Inc()
	}
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted() {
	if activeKeywordWorkers != nil {
		activeKeywordWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeKeywordWorkers != nil {
		activeKeywordWorkers.Dec()
	}
}

// Serve runs the exposition endpoint until ctx is canceled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
