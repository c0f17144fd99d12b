package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

type entityKey struct {
	kind catalog.Kind
	url  string
}

type reviewKey struct {
	owner    string
	kind     catalog.Kind
	entityID int64
}

// CatalogStore keeps entities and reviews in maps guarded by one mutex,
// which makes CreateIfAbsent and CreateReview atomic.
type CatalogStore struct {
	mu         sync.Mutex
	nextEntity int64
	nextReview int64
	entities   map[int64]catalog.Entity
	byURL      map[entityKey]int64
	reviews    map[reviewKey]catalog.Review
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		entities: make(map[int64]catalog.Entity),
		byURL:    make(map[entityKey]int64),
		reviews:  make(map[reviewKey]catalog.Review),
	}
}

// FindBySourceURL implements catalog.EntityStore.
func (s *CatalogStore) FindBySourceURL(_ context.Context, kind catalog.Kind, sourceURL string) (catalog.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[entityKey{kind, sourceURL}]
	if !ok {
		return catalog.Entity{}, fmt.Errorf("%s %s: %w", kind, sourceURL, catalog.ErrNotFound)
	}
	return cloneEntity(s.entities[id]), nil
}

// CreateIfAbsent implements catalog.EntityStore.
func (s *CatalogStore) CreateIfAbsent(_ context.Context, entity catalog.Entity) (catalog.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey{entity.Kind, entity.SourceURL}
	if id, ok := s.byURL[key]; ok {
		return cloneEntity(s.entities[id]), false, nil
	}
	s.nextEntity++
	entity.ID = s.nextEntity
	entity = cloneEntity(entity)
	s.entities[entity.ID] = entity
	s.byURL[key] = entity.ID
	return cloneEntity(entity), true, nil
}

// ListMissingIMDb implements catalog.EntityStore.
func (s *CatalogStore) ListMissingIMDb(_ context.Context, limit int) ([]catalog.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Entity
	for _, e := range s.entities {
		if e.Kind == catalog.KindMovie && e.IMDbCode == "" && e.SourceSite == catalog.SourceSiteDouban {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateIMDb implements catalog.EntityStore.
func (s *CatalogStore) UpdateIMDb(_ context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("entity %d: %w", id, catalog.ErrNotFound)
	}
	e.IMDbCode = code
	s.entities[id] = e
	return nil
}

// ReviewExists implements catalog.ReviewStore.
func (s *CatalogStore) ReviewExists(_ context.Context, owner string, kind catalog.Kind, entityID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reviews[reviewKey{owner, kind, entityID}]
	return ok, nil
}

// CreateReview implements catalog.ReviewStore.
func (s *CatalogStore) CreateReview(_ context.Context, review catalog.Review) (catalog.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reviewKey{review.Owner, review.Kind, review.EntityID}
	if _, ok := s.reviews[key]; ok {
		return catalog.Review{}, fmt.Errorf("review by %s for %s %d: %w",
			review.Owner, review.Kind, review.EntityID, catalog.ErrDuplicateReview)
	}
	s.nextReview++
	review.ID = s.nextReview
	s.reviews[key] = review
	return review, nil
}

// Entities returns a snapshot of all entities ordered by id.
func (s *CatalogStore) Entities() []catalog.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reviews returns a snapshot of all reviews ordered by id.
func (s *CatalogStore) Reviews() []catalog.Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneEntity(e catalog.Entity) catalog.Entity {
	if e.Attributes != nil {
		attrs := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		e.Attributes = attrs
	}
	return e
}
