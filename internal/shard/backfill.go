package shard

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

// FieldScraper extracts entity fields without storing media.
type FieldScraper interface {
	ScrapeFields(ctx context.Context, url string) (catalog.Entity, error)
}

// IMDbStore lists and patches movies lacking an IMDb code.
type IMDbStore interface {
	ListMissingIMDb(ctx context.Context, limit int) ([]catalog.Entity, error)
	UpdateIMDb(ctx context.Context, id int64, code string) error
}

// Backfill re-scrapes douban movies stored without an IMDb code.
type Backfill struct {
	scraper FieldScraper
	store   IMDbStore
	limit   int
	out     io.Writer
	logger  *zap.Logger
}

// NewBackfill builds a backfill over at most limit movies; 0 means all.
func NewBackfill(scraper FieldScraper, store IMDbStore, limit int, out io.Writer, logger *zap.Logger) *Backfill {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfill{
		scraper: scraper,
		store:   store,
		limit:   limit,
		out:     out,
		logger:  logger.Named("backfill"),
	}
}

// Run refreshes each listed movie once. A movie whose page still has no
// code is reported as skipped and left untouched.
func (b *Backfill) Run(ctx context.Context) (Summary, error) {
	movies, err := b.store.ListMissingIMDb(ctx, b.limit)
	if err != nil {
		return Summary{}, fmt.Errorf("list movies missing imdb: %w", err)
	}
	summary := Summary{Claimed: len(movies)}
	for _, movie := range movies {
		if ctx.Err() != nil {
			break
		}
		_, _ = fmt.Fprintf(b.out, "Refreshing %s\n", movie.SourceURL)
		fresh, err := b.scraper.ScrapeFields(ctx, movie.SourceURL)
		if err != nil {
			_, _ = fmt.Fprintf(b.out, "Failed %s\n", movie.SourceURL)
			b.logger.Warn("refresh failed", zap.String("url", movie.SourceURL), zap.Error(err))
			summary.Failed = append(summary.Failed, movie.SourceURL)
			continue
		}
		if fresh.IMDbCode == "" {
			_, _ = fmt.Fprintf(b.out, "Skip %s\n", movie.SourceURL)
			summary.Skipped++
			continue
		}
		if err := b.store.UpdateIMDb(ctx, movie.ID, fresh.IMDbCode); err != nil {
			_, _ = fmt.Fprintf(b.out, "Failed %s\n", movie.SourceURL)
			b.logger.Warn("update imdb failed", zap.Int64("id", movie.ID), zap.Error(err))
			summary.Failed = append(summary.Failed, movie.SourceURL)
			continue
		}
		_, _ = fmt.Fprintf(b.out, "Saved %s %s\n", movie.SourceURL, fresh.IMDbCode)
		summary.Saved++
	}
	return summary, nil
}
