// Package sqlite implements the repository contract on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
)

const schema = `
PRAGMA foreign_keys = ON;
CREATE TABLE IF NOT EXISTS books (
	id INTEGER PRIMARY KEY,
	title TEXT,
	author TEXT,
	url TEXT,
	published_at TIMESTAMP,
	image_url TEXT,
	page INTEGER,
	registration_count INTEGER
);
CREATE TABLE IF NOT EXISTS book_reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	review TEXT NOT NULL,
	UNIQUE(book_id, source, review),
	FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_reviews_book_id ON book_reviews(book_id);
`

// Repository is the SQLite-backed store. A single mutex guards every
// physical write so concurrent crawl tasks never need to coordinate.
type Repository struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// The pragma must ride the DSN so every pooled connection enforces
	// the books foreign key, not just the one that ran the schema.
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Repository{db: db, path: path, logger: logger}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Exists reports whether a book row with the given id is stored.
func (r *Repository) Exists(ctx context.Context, bookID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM books WHERE id = ?`, bookID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query book %d: %w", bookID, err)
	}
	return true, nil
}

// Books returns every stored book, without reviews.
func (r *Repository) Books(ctx context.Context) ([]bookmeter.Book, error) {
	rows, err := r.db.QueryContext(ctx, `
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

// Reviews returns every stored review row.
func (r *Repository) Reviews(ctx context.Context) ([]bookmeter.Review, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT book_id, source, review FROM book_reviews`)
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

// SaveBook upserts the book's scalar fields keyed by id.
func (r *Repository) SaveBook(ctx context.Context, book bookmeter.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, url, published_at, image_url, page, registration_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			url = excluded.url,
			published_at = excluded.published_at,
			image_url = excluded.image_url,
			page = excluded.page,
			registration_count = excluded.registration_count`,
		book.ID, book.Title, book.Author, book.URL, book.PublishedAt.UTC(),
		book.ImageURL, book.Page, book.RegistrationCount)
	if err != nil {
		return fmt.Errorf("upsert book %d: %w", book.ID, err)
	}
	return nil
}

// SaveReviews inserts reviews in batch, deduplicated by the unique
// (book_id, source, review) key. An empty list is a no-op.
func (r *Repository) SaveReviews(ctx context.Context, reviews []bookmeter.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reviews tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO book_reviews (book_id, source, review) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare review insert: %w", err)
	}
	defer stmt.Close()

	for _, rev := range reviews {
		if _, err := stmt.ExecContext(ctx, rev.BookID, rev.Source, rev.Text); err != nil {
			return fmt.Errorf("insert review for book %d: %w", rev.BookID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reviews: %w", err)
	}
	return nil
}

// Destroy closes the handle and removes the database file.
func (r *Repository) Destroy(ctx context.Context) error {
	if err := r.db.Close(); err != nil {
		r.logger.Warn("close before destroy failed", zap.Error(err))
	}
	if err := os.Remove(r.path); err != nil {
		return fmt.Errorf("remove sqlite file: %w", err)
	}
	return nil
}
