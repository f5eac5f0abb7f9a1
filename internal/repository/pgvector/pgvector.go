// Package pgvector implements the repository contract on Postgres with
// pgvector similarity columns. Book titles and review texts are embedded
// through an external text-embedding service on the way in.
package pgvector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
	"github.com/yomitai/bookmeter-crawler/internal/embeddings"
)

// Vector dimensions; titles are clipped shorter than reviews.
const (
	TitleVectorDim  = 512
	ReviewVectorDim = 1536
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS books (
	id BIGINT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	title_vec vector(512),
	author TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	image_url TEXT NOT NULL DEFAULT '',
	page BIGINT NOT NULL DEFAULT 0,
	registration_count BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_books_title_vec
	ON books USING hnsw (title_vec vector_ip_ops) WITH (m = 32, ef_construction = 200);
CREATE TABLE IF NOT EXISTS book_reviews (
	id BIGSERIAL PRIMARY KEY,
	book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
	source TEXT NOT NULL,
	review TEXT NOT NULL,
	review_vec vector(1536),
	UNIQUE(book_id, source, review)
);
CREATE INDEX IF NOT EXISTS idx_book_reviews_review_vec
	ON book_reviews USING ivfflat (review_vec vector_ip_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_book_reviews_book_id ON book_reviews(book_id);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Repository is the pgvector-backed store.
type Repository struct {
	pool     pgxPool
	embedder embeddings.Embedder
	mu       sync.Mutex
	logger   *zap.Logger
}

// New connects the pool, registers the vector type on every connection and
// ensures the schema.
func New(ctx context.Context, cfg Config, embedder embeddings.Embedder, logger *zap.Logger) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo, err := NewWithPool(pool, embedder, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := repo.pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply pgvector schema: %w", err)
	}
	return repo, nil
}

// NewWithPool constructs a Repository from an existing pool (primarily for
// testing). The schema is not applied.
func NewWithPool(pool pgxPool, embedder embeddings.Embedder, logger *zap.Logger) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, embedder: embedder, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Exists reports whether a book row with the given id is stored.
func (r *Repository) Exists(ctx context.Context, bookID int64) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM books WHERE id = $1`, bookID).Scan(&one)
	switch {
	case err == pgx.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query book %d: %w", bookID, err)
	}
	return true, nil
}

// Books returns every stored book, without reviews or vectors.
func (r *Repository) Books(ctx context.Context) ([]bookmeter.Book, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, author, url, published_at, image_url, page, registration_count
		FROM books`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []bookmeter.Book
	for rows.Next() {
		var b bookmeter.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.URL, &b.PublishedAt,
			&b.ImageURL, &b.Page, &b.RegistrationCount); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		b.PublishedAt = b.PublishedAt.UTC()
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return books, nil
}

// Reviews returns every stored review row, without vectors.
func (r *Repository) Reviews(ctx context.Context) ([]bookmeter.Review, error) {
	rows, err := r.pool.Query(ctx, `SELECT book_id, source, review FROM book_reviews`)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []bookmeter.Review
	for rows.Next() {
		var rev bookmeter.Review
		if err := rows.Scan(&rev.BookID, &rev.Source, &rev.Text); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// Save persists the book and its gathered reviews under source.
func (r *Repository) Save(ctx context.Context, book bookmeter.Book, source string) error {
	if source == "" {
		source = bookmeter.Source
	}
	if err := r.SaveBook(ctx, book); err != nil {
		return err
	}
	return r.SaveReviews(ctx, bookmeter.ReviewsOf(book, source))
}

// SaveBook embeds the title and upserts the row keyed by id.
func (r *Repository) SaveBook(ctx context.Context, book bookmeter.Book) error {
	vectors, err := r.embedder.Embed(ctx, []string{book.Title}, TitleVectorDim)
	if err != nil {
		return fmt.Errorf("embed title for book %d: %w", book.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO books (id, title, title_vec, author, url, published_at, image_url, page, registration_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			title_vec = EXCLUDED.title_vec,
			author = EXCLUDED.author,
			url = EXCLUDED.url,
			published_at = EXCLUDED.published_at,
			image_url = EXCLUDED.image_url,
			page = EXCLUDED.page,
			registration_count = EXCLUDED.registration_count`,
		book.ID, book.Title, pgvec.NewVector(vectors[0]), book.Author, book.URL,
		book.PublishedAt.UTC(), book.ImageURL, book.Page, book.RegistrationCount)
	if err != nil {
		return fmt.Errorf("upsert book %d: %w", book.ID, err)
	}
	return nil
}

// SaveReviews embeds every text in one call and writes the rows through a
// single driver batch; duplicates of (book_id, source, review) are ignored.
func (r *Repository) SaveReviews(ctx context.Context, reviews []bookmeter.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	texts := make([]string, len(reviews))
	for i, rev := range reviews {
		texts[i] = rev.Text
	}
	vectors, err := r.embedder.Embed(ctx, texts, ReviewVectorDim)
	if err != nil {
		return fmt.Errorf("embed %d reviews: %w", len(reviews), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &pgx.Batch{}
	for i, rev := range reviews {
		batch.Queue(`
			INSERT INTO book_reviews (book_id, source, review, review_vec)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (book_id, source, review) DO NOTHING`,
			rev.BookID, rev.Source, rev.Text, pgvec.NewVector(vectors[i]))
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range reviews {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert reviews: %w", err)
		}
	}
	return nil
}

// Destroy drops both tables.
func (r *Repository) Destroy(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DROP TABLE IF EXISTS book_reviews`); err != nil {
		return fmt.Errorf("drop book_reviews: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `DROP TABLE IF EXISTS books`); err != nil {
		return fmt.Errorf("drop books: %w", err)
	}
	return nil
}
