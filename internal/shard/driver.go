// Package shard bulk-loads catalog entities from a list of subject ids and
// backfills missing movie metadata. Several drivers can run in parallel,
// each claiming the ids congruent to its index.
package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

// ErrInvalidShard is returned for an index outside [0, total).
var ErrInvalidShard = errors.New("invalid shard")

// EntityScraper resolves and stores entities of one kind.
type EntityScraper interface {
	Kind() catalog.Kind
	URLFor(id string) string
	Scrape(ctx context.Context, url string) (catalog.Entity, error)
	Persist(ctx context.Context, owner string, entity catalog.Entity) (catalog.Entity, error)
}

// EntityFinder looks up already stored entities.
type EntityFinder interface {
	FindBySourceURL(ctx context.Context, kind catalog.Kind, sourceURL string) (catalog.Entity, error)
}

// Summary counts the outcomes of one run.
type Summary struct {
	Claimed int
	Skipped int
	Saved   int
	Retried int
	Failed  []string
}

// Driver walks one shard of an identifier list.
type Driver struct {
	scraper EntityScraper
	store   EntityFinder
	source  IdentifierSource
	retry   RetryPolicy
	owner   string
	out     io.Writer
	logger  *zap.Logger
}

// NewDriver builds a driver. Progress lines are written to out.
func NewDriver(
	scraper EntityScraper,
	store EntityFinder,
	source IdentifierSource,
	retry RetryPolicy,
	owner string,
	out io.Writer,
	logger *zap.Logger,
) *Driver {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		scraper: scraper,
		store:   store,
		source:  source,
		retry:   retry,
		owner:   owner,
		out:     out,
		logger:  logger.Named("shard"),
	}
}

// Run processes every claimed id. Per-id failures are reported and
// counted, never returned; only a bad shard or an unreadable source fails
// the run. Cancellation stops between ids.
func (d *Driver) Run(ctx context.Context, index, total int) (Summary, error) {
	if total <= 0 || index < 0 || index >= total {
		return Summary{}, fmt.Errorf("%w: index %d of %d", ErrInvalidShard, index, total)
	}
	ids, err := d.source.Identifiers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load identifiers: %w", err)
	}
	claimed := Claim(ids, index, total)
	summary := Summary{Claimed: len(claimed)}
	d.logger.Info("shard started",
		zap.String("kind", string(d.scraper.Kind())),
		zap.Int("index", index),
		zap.Int("total", total),
		zap.Int("claimed", len(claimed)),
	)

	for _, id := range claimed {
		if ctx.Err() != nil {
			break
		}
		d.processID(ctx, strconv.FormatUint(id, 10), &summary)
	}

	d.logger.Info("shard finished",
		zap.Int("skipped", summary.Skipped),
		zap.Int("saved", summary.Saved),
		zap.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func (d *Driver) processID(ctx context.Context, id string, summary *Summary) {
	url := d.scraper.URLFor(id)
	_, err := d.store.FindBySourceURL(ctx, d.scraper.Kind(), url)
	switch {
	case err == nil:
		d.report("Skip", url)
		summary.Skipped++
		return
	case !errors.Is(err, catalog.ErrNotFound):
		d.report("Failed", url)
		d.logger.Warn("lookup failed", zap.String("url", url), zap.Error(err))
		summary.Failed = append(summary.Failed, url)
		return
	}

	d.report("Download", url)
	for attempt := 1; ; attempt++ {
		err = d.scrapeAndSave(ctx, url)
		if err == nil {
			d.report("Saved", url)
			summary.Saved++
			return
		}
		if !d.retry.ShouldRetry(err, attempt) {
			break
		}
		d.report("Retry", url)
		summary.Retried++
		if serr := sleep(ctx, d.retry.Backoff(attempt)); serr != nil {
			err = serr
			break
		}
	}
	d.report("Failed", url)
	d.logger.Warn("entity failed", zap.String("url", url), zap.Error(err))
	summary.Failed = append(summary.Failed, url)
}

func (d *Driver) scrapeAndSave(ctx context.Context, url string) error {
	entity, err := d.scraper.Scrape(ctx, url)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}
	if _, err := d.scraper.Persist(ctx, d.owner, entity); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (d *Driver) report(verb, url string) {
	_, _ = fmt.Fprintf(d.out, "%s %s\n", verb, url)
}
