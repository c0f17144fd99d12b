package importer

import (
	"context"
	"io"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

// JobStore persists import jobs and their progress.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters Counters) error
}

// BlobStore writes and reads staged files and media.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for import jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Ack confirms that the item was handled. Backends without
	// redelivery treat it as a no-op.
	Ack(ctx context.Context, item QueueItem) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// PageFetcher retrieves a parsed page. The document is never nil.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*goquery.Document, error)
}

// Scraper resolves remote entities of one kind.
type Scraper interface {
	Kind() catalog.Kind
	Scrape(ctx context.Context, url string) (catalog.Entity, error)
	Persist(ctx context.Context, owner string, entity catalog.Entity) (catalog.Entity, error)
}

// Transformer turns a legacy HTML review body into markdown.
type Transformer interface {
	Transform(ctx context.Context, html string) (string, error)
}
