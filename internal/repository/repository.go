// Package repository defines the storage contract shared by the relational
// and vector backends. Callers depend only on this interface; both
// implementations are idempotent on re-save and serialize their own writes.
package repository

import (
	"context"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
)

// Repository is the capability set a storage backend must implement.
type Repository interface {
	// Exists reports whether a book row with the given site id is stored.
	Exists(ctx context.Context, bookID int64) (bool, error)

	// Books returns every stored book, without reviews.
	Books(ctx context.Context) ([]bookmeter.Book, error)

	// Reviews returns every stored review row.
	Reviews(ctx context.Context) ([]bookmeter.Review, error)

	// Save persists the book and its gathered reviews under source.
	Save(ctx context.Context, book bookmeter.Book, source string) error

	// SaveBook upserts the book's scalar fields keyed by id. Re-saving
	// never creates a duplicate row.
	SaveBook(ctx context.Context, book bookmeter.Book) error

	// SaveReviews inserts reviews, ignoring duplicates of the
	// (book_id, source, text) key. An empty list is a no-op.
	SaveReviews(ctx context.Context, reviews []bookmeter.Review) error

	// Destroy drops the stored data entirely.
	Destroy(ctx context.Context) error

	// Close releases the backend handle. Safe to call on all exit paths.
	Close() error
}
