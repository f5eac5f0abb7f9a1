package pgvector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/repository"
)

// reviewBatchSize bounds how many review texts go into one embedding call.
const reviewBatchSize = 64

// Migrate copies every book and review from src into the vector store,
// computing embeddings on the way in. Re-running is safe: books upsert and
// duplicate reviews are ignored.
func (r *Repository) Migrate(ctx context.Context, src repository.Repository) error {
	books, err := src.Books(ctx)
	if err != nil {
		return fmt.Errorf("read source books: %w", err)
	}
	for _, book := range books {
		if err := r.SaveBook(ctx, book); err != nil {
			return fmt.Errorf("migrate book %d: %w", book.ID, err)
		}
	}
	r.logger.Info("books migrated", zap.Int("count", len(books)))

	reviews, err := src.Reviews(ctx)
	if err != nil {
		return fmt.Errorf("read source reviews: %w", err)
	}
	for start := 0; start < len(reviews); start += reviewBatchSize {
		end := start + reviewBatchSize
		if end > len(reviews) {
			end = len(reviews)
		}
		if err := r.SaveReviews(ctx, reviews[start:end]); err != nil {
			return fmt.Errorf("migrate reviews [%d:%d]: %w", start, end, err)
		}
	}
	r.logger.Info("reviews migrated", zap.Int("count", len(reviews)))
	return nil
}
