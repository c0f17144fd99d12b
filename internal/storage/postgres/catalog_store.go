package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

const entityColumns = `id, kind, source_url, source_site, title, brief, cover_url, isbn, imdb_code,
	barcode, attributes, created_by, created_at`

// CatalogStore persists entities and reviews. Uniqueness of (kind,
// source_url) and (owner, kind, entity_id) is enforced by constraints.
type CatalogStore struct {
	pool Pool
	now  func() time.Time
}

// NewCatalogStore constructs a CatalogStore on an existing pool.
func NewCatalogStore(pool Pool) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: pool, now: time.Now}, nil
}

// FindBySourceURL implements catalog.EntityStore.
func (s *CatalogStore) FindBySourceURL(ctx context.Context, kind catalog.Kind, sourceURL string) (catalog.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = $1 AND source_url = $2`,
		string(kind), sourceURL)
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entity{}, fmt.Errorf("%w: %s %s", catalog.ErrNotFound, kind, sourceURL)
	}
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("find entity: %w", err)
	}
	return entity, nil
}

// CreateIfAbsent inserts the entity. When another writer already created
// it, the stored row is returned with created=false.
func (s *CatalogStore) CreateIfAbsent(ctx context.Context, entity catalog.Entity) (catalog.Entity, bool, error) {
	attrs, err := marshalAttributes(entity.Attributes)
	if err != nil {
		return catalog.Entity{}, false, err
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = s.now().UTC()
	}
	if entity.SourceSite == "" {
		entity.SourceSite = catalog.SourceSiteDouban
	}
	const query = `
INSERT INTO entities (kind, source_url, source_site, title, brief, cover_url, isbn, imdb_code, barcode,
	attributes, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (kind, source_url) DO NOTHING
RETURNING id`
	err = s.pool.QueryRow(ctx, query,
		string(entity.Kind),
		entity.SourceURL,
		entity.SourceSite,
		entity.Title,
		entity.Brief,
		entity.CoverURL,
		entity.ISBN,
		entity.IMDbCode,
		entity.Barcode,
		attrs,
		entity.CreatedBy,
		entity.CreatedAt,
	).Scan(&entity.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, findErr := s.FindBySourceURL(ctx, entity.Kind, entity.SourceURL)
		if findErr != nil {
			return catalog.Entity{}, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return catalog.Entity{}, false, fmt.Errorf("insert entity: %w", err)
	}
	return entity, true, nil
}

// ListMissingIMDb returns movies without an IMDb code, oldest first.
func (s *CatalogStore) ListMissingIMDb(ctx context.Context, limit int) ([]catalog.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = $1 AND source_site = $2 AND imdb_code = '' ORDER BY id`
	args := []any{string(catalog.KindMovie), catalog.SourceSiteDouban}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list movies missing imdb: %w", err)
	}
	defer rows.Close()

	var out []catalog.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, nil
}

// UpdateIMDb sets the IMDb code of an entity.
func (s *CatalogStore) UpdateIMDb(ctx context.Context, id int64, code string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entities SET imdb_code = $2 WHERE id = $1`, id, code)
	if err != nil {
		return fmt.Errorf("update imdb code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entity %d", catalog.ErrNotFound, id)
	}
	return nil
}

// ReviewExists implements catalog.ReviewStore.
func (s *CatalogStore) ReviewExists(ctx context.Context, owner string, kind catalog.Kind, entityID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reviews WHERE owner = $1 AND kind = $2 AND entity_id = $3)`,
		owner, string(kind), entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check review: %w", err)
	}
	return exists, nil
}

// CreateReview inserts a review, returning catalog.ErrDuplicateReview
// when the owner already reviewed the entity.
func (s *CatalogStore) CreateReview(ctx context.Context, review catalog.Review) (catalog.Review, error) {
	const query = `
INSERT INTO reviews (owner, kind, entity_id, title, body, created_at, edited_at, visibility)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (owner, kind, entity_id) DO NOTHING
RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		review.Owner,
		string(review.Kind),
		review.EntityID,
		review.Title,
		review.Body,
		review.CreatedAt,
		review.EditedAt,
		int16(review.Visibility),
	).Scan(&review.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Review{}, fmt.Errorf("%w: %s %s %d", catalog.ErrDuplicateReview, review.Owner, review.Kind, review.EntityID)
	}
	if err != nil {
		return catalog.Review{}, fmt.Errorf("insert review: %w", err)
	}
	return review, nil
}

func scanEntity(row rowScanner) (catalog.Entity, error) {
	var (
		entity catalog.Entity
		kind   string
		attrs  []byte
	)
	err := row.Scan(
		&entity.ID,
		&kind,
		&entity.SourceURL,
		&entity.SourceSite,
		&entity.Title,
		&entity.Brief,
		&entity.CoverURL,
		&entity.ISBN,
		&entity.IMDbCode,
		&entity.Barcode,
		&attrs,
		&entity.CreatedBy,
		&entity.CreatedAt,
	)
	if err != nil {
		return catalog.Entity{}, err
	}
	entity.Kind = catalog.Kind(kind)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &entity.Attributes); err != nil {
			return catalog.Entity{}, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return entity, nil
}

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return data, nil
}
