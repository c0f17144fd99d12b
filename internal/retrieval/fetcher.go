package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/review-importer/internal/metrics"
)

// PlaceholderHTML is parsed into the document returned when nothing is retrievable.
const PlaceholderHTML = "<html />"

// Fetcher walks its channels in order and returns the first authentic page.
type Fetcher struct {
	channels []Channel
	logger   *zap.Logger
}

// NewFetcher wires the channel chain.
func NewFetcher(logger *zap.Logger, channels ...Channel) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{channels: channels, logger: logger.Named("retrieval")}
}

// Channels returns the configured channel names in order.
func (f *Fetcher) Channels() []string {
	names := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Fetch returns the parsed page. The document is never nil: when every
// channel fails it is the placeholder and the error wraps
// ErrContentUnavailable together with each channel's reason.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*goquery.Document, error) {
	var errs []error
	for _, ch := range f.channels {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		attempt, err := ch.Attempt(ctx, url)
		metrics.ObserveFetchAttempt(ch.Name(), outcome(err), time.Since(start))
		if err != nil {
			f.logger.Debug("channel attempt failed",
				zap.String("channel", ch.Name()),
				zap.String("url", url),
				zap.Int("status", attempt.StatusCode),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(attempt.Body))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: parse document: %w", ch.Name(), err))
			continue
		}
		f.logger.Debug("channel attempt succeeded",
			zap.String("channel", ch.Name()),
			zap.String("url", url),
			zap.Int("bytes", len(attempt.Body)),
		)
		return doc, nil
	}
	f.logger.Warn("content unavailable", zap.String("url", url), zap.Int("channels", len(f.channels)))
	return Placeholder(), fmt.Errorf("%w: %s: %w", ErrContentUnavailable, url, errors.Join(errs...))
}

// Placeholder returns a fresh empty document.
func Placeholder() *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(PlaceholderHTML))
	if err != nil {
		return goquery.NewDocumentFromNode(&html.Node{Type: html.DocumentNode})
	}
	return doc
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrContentNotAuthentic):
		return "not_authentic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
