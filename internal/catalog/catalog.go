// Package catalog defines the local entity and review model that imports
// reconcile remote content into.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of catalog entity.
type Kind string

// Supported entity kinds.
const (
	KindBook  Kind = "book"
	KindMovie Kind = "movie"
	KindMusic Kind = "music"
	KindGame  Kind = "game"
)

// SourceSiteDouban is recorded on every entity scraped from douban.
const SourceSiteDouban = "douban"

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateReview is returned when a review already exists for the owner and entity.
	ErrDuplicateReview = errors.New("duplicate review")
	// ErrInvalidSourceURL is returned when a URL does not identify a remote entity.
	ErrInvalidSourceURL = errors.New("invalid source url")
)

// Kinds lists all kinds in import order.
func Kinds() []Kind {
	return []Kind{KindBook, KindMovie, KindMusic, KindGame}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBook, KindMovie, KindMusic, KindGame:
		return true
	default:
		return false
	}
}

// MediaPrefix is the storage prefix used for the kind's cover art.
func (k Kind) MediaPrefix() string {
	if k == KindMusic {
		return "album/"
	}
	return string(k) + "/"
}

// ParseKind converts user input into a Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if k == "album" {
		k = KindMusic
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", raw)
	}
	return k, nil
}

// Visibility controls who can read an imported review.
type Visibility int

// Visibility values.
const (
	VisibilityPublic    Visibility = 0
	VisibilityFollowers Visibility = 1
	VisibilityPrivate   Visibility = 2
)

// ParseVisibility accepts either the numeric or the named form.
func ParseVisibility(raw string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "public":
		return VisibilityPublic, nil
	case "1", "followers":
		return VisibilityFollowers, nil
	case "2", "private":
		return VisibilityPrivate, nil
	default:
		return 0, fmt.Errorf("invalid visibility %q", raw)
	}
}

// String returns the named form of the visibility.
func (v Visibility) String() string {
	switch v {
	case VisibilityFollowers:
		return "followers"
	case VisibilityPrivate:
		return "private"
	default:
		return "public"
	}
}

// Entity is a book, movie, album or game known to the local store.
type Entity struct {
	ID         int64             `json:"id"`
	Kind       Kind              `json:"kind"`
	SourceURL  string            `json:"source_url"`
	SourceSite string            `json:"source_site"`
	Title      string            `json:"title"`
	Brief      string            `json:"brief,omitempty"`
	CoverURL   string            `json:"cover_url,omitempty"`
	ISBN       string            `json:"isbn,omitempty"`
	IMDbCode   string            `json:"imdb_code,omitempty"`
	Barcode    string            `json:"barcode,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedBy  string            `json:"created_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Review is one owner's review of one entity.
type Review struct {
	ID         int64      `json:"id"`
	Owner      string     `json:"owner"`
	Kind       Kind       `json:"kind"`
	EntityID   int64      `json:"entity_id"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	Visibility Visibility `json:"visibility"`
}

// EntityStore persists catalog entities keyed by (kind, source url).
type EntityStore interface {
	FindBySourceURL(ctx context.Context, kind Kind, sourceURL string) (Entity, error)
	// CreateIfAbsent inserts the entity unless one with the same kind and
	// source url exists, in which case the stored entity is returned.
	CreateIfAbsent(ctx context.Context, entity Entity) (Entity, bool, error)
	ListMissingIMDb(ctx context.Context, limit int) ([]Entity, error)
	UpdateIMDb(ctx context.Context, id int64, code string) error
}

// ReviewStore persists reviews; (owner, kind, entity) is unique.
type ReviewStore interface {
	ReviewExists(ctx context.Context, owner string, kind Kind, entityID int64) (bool, error)
	CreateReview(ctx context.Context, review Review) (Review, error)
}

// Store combines the entity and review stores.
type Store interface {
	EntityStore
	ReviewStore
}

var subjectPath = regexp.MustCompile(`^/(subject|game)/(\d+)(?:/|$)`)

// NormalizeSourceURL returns the canonical form of an entity URL:
// https, lowercase host, no query or fragment, and a trailing slash.
func NormalizeSourceURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidSourceURL, raw, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidSourceURL, raw)
	}
	m := subjectPath.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return "", fmt.Errorf("%w: %q is not a subject page", ErrInvalidSourceURL, raw)
	}
	return fmt.Sprintf("https://%s/%s/%s/", host, m[1], m[2]), nil
}

// SubjectID extracts the numeric identifier from a source url.
func SubjectID(sourceURL string) (int64, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSourceURL, err)
	}
	m := subjectPath.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSourceURL, sourceURL)
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse subject id: %w", err)
	}
	return id, nil
}
