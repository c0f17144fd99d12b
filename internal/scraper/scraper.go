// Package scraper extracts catalog entities from douban detail pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

// ErrIncompleteEntity is returned when a page yields no title.
var ErrIncompleteEntity = errors.New("incomplete entity")

// PageFetcher returns a parsed page. The document is never nil.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*goquery.Document, error)
}

// ImageRelay copies a remote image into media storage.
type ImageRelay interface {
	Relay(ctx context.Context, remoteURL, prefix string) string
}

type extractFunc func(doc *goquery.Document, entity *catalog.Entity)

// Scraper resolves one kind of entity.
type Scraper struct {
	kind    catalog.Kind
	urlTmpl string
	extract extractFunc
	fetcher PageFetcher
	images  ImageRelay
	store   catalog.EntityStore
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Scraper.
type Option func(*Scraper)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scraper) {
		s.now = now
	}
}

// New builds the scraper for kind. images may be nil, in which case cover
// URLs are stored as found.
func New(
	kind catalog.Kind,
	fetcher PageFetcher,
	images ImageRelay,
	store catalog.EntityStore,
	logger *zap.Logger,
	opts ...Option,
) (*Scraper, error) {
	if fetcher == nil || store == nil {
		return nil, fmt.Errorf("scraper for %s requires a fetcher and a store", kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scraper{
		kind:    kind,
		fetcher: fetcher,
		images:  images,
		store:   store,
		now:     time.Now,
		logger:  logger.Named("scraper").With(zap.String("kind", string(kind))),
	}
	switch kind {
	case catalog.KindBook:
		s.extract, s.urlTmpl = extractBook, "https://book.douban.com/subject/%s/"
	case catalog.KindMovie:
		s.extract, s.urlTmpl = extractMovie, "https://movie.douban.com/subject/%s/"
	case catalog.KindMusic:
		s.extract, s.urlTmpl = extractMusic, "https://music.douban.com/subject/%s/"
	case catalog.KindGame:
		s.extract, s.urlTmpl = extractGame, "https://www.douban.com/game/%s/"
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSet builds one scraper per kind sharing the same collaborators.
func NewSet(
	fetcher PageFetcher,
	images ImageRelay,
	store catalog.EntityStore,
	logger *zap.Logger,
	opts ...Option,
) (map[catalog.Kind]*Scraper, error) {
	set := make(map[catalog.Kind]*Scraper, len(catalog.Kinds()))
	for _, kind := range catalog.Kinds() {
		s, err := New(kind, fetcher, images, store, logger, opts...)
		if err != nil {
			return nil, err
		}
		set[kind] = s
	}
	return set, nil
}

// Kind returns the entity kind this scraper produces.
func (s *Scraper) Kind() catalog.Kind {
	return s.kind
}

// URLFor builds the detail page URL for a numeric subject id.
func (s *Scraper) URLFor(id string) string {
	return fmt.Sprintf(s.urlTmpl, id)
}

// Scrape fetches the page and extracts the entity, relaying its cover
// into media storage.
func (s *Scraper) Scrape(ctx context.Context, url string) (catalog.Entity, error) {
	entity, err := s.ScrapeFields(ctx, url)
	if err != nil {
		return catalog.Entity{}, err
	}
	if entity.CoverURL != "" && s.images != nil {
		entity.CoverURL = s.images.Relay(ctx, entity.CoverURL, s.kind.MediaPrefix())
	}
	return entity, nil
}

// ScrapeFields extracts the entity without touching media storage.
func (s *Scraper) ScrapeFields(ctx context.Context, url string) (catalog.Entity, error) {
	sourceURL, err := catalog.NormalizeSourceURL(url)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("%w: %w", ErrIncompleteEntity, err)
	}
	doc, fetchErr := s.fetcher.Fetch(ctx, sourceURL)
	entity := catalog.Entity{
		Kind:       s.kind,
		SourceURL:  sourceURL,
		SourceSite: catalog.SourceSiteDouban,
		Attributes: map[string]string{},
	}
	if doc != nil {
		s.extract(doc, &entity)
	}
	if entity.Title == "" {
		if fetchErr != nil {
			return catalog.Entity{}, fmt.Errorf("%w: %s: %w", ErrIncompleteEntity, sourceURL, fetchErr)
		}
		return catalog.Entity{}, fmt.Errorf("%w: %s: no title", ErrIncompleteEntity, sourceURL)
	}
	for k, v := range entity.Attributes {
		if v == "" {
			delete(entity.Attributes, k)
		}
	}
	return entity, nil
}

// Persist stores the entity unless one with the same source url exists.
func (s *Scraper) Persist(ctx context.Context, owner string, entity catalog.Entity) (catalog.Entity, error) {
	existing, err := s.store.FindBySourceURL(ctx, entity.Kind, entity.SourceURL)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.Entity{}, fmt.Errorf("find entity: %w", err)
	}
	entity.CreatedBy = owner
	if entity.SourceSite == "" {
		entity.SourceSite = catalog.SourceSiteDouban
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = s.now().UTC()
	}
	stored, created, err := s.store.CreateIfAbsent(ctx, entity)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("create entity: %w", err)
	}
	if created {
		s.logger.Info("entity created", zap.String("url", stored.SourceURL), zap.Int64("id", stored.ID))
	}
	return stored, nil
}
