// Package media copies remote images into local media storage.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	// Registered decoders for the formats douban serves.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/review-importer/internal/metrics"
	"github.com/JakeFAU/review-importer/internal/retrieval"
)

var (
	// ErrImageDecode means the fetched bytes are not a decodable image.
	ErrImageDecode = errors.New("image decode failed")
	// ErrImageFetch means the image could not be downloaded.
	ErrImageFetch = errors.New("image fetch failed")
)

// ObjectWriter stores bytes and returns a storage URI.
type ObjectWriter interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique file names.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls where relayed images land.
type Config struct {
	// BaseURL is prepended to the stored path to form the public locator.
	BaseURL string
	Timeout time.Duration
}

// Relay downloads images through the live relay choice and stores them
// under fresh date/uuid paths.
type Relay struct {
	cfg    Config
	getter retrieval.Getter
	relay  retrieval.Relay
	store  ObjectWriter
	clock  Clock
	ids    IDGenerator
	logger *zap.Logger
}

// NewRelay builds an image relay.
func NewRelay(
	cfg Config,
	getter retrieval.Getter,
	relay retrieval.Relay,
	store ObjectWriter,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:    cfg,
		getter: getter,
		relay:  relay,
		store:  store,
		clock:  clock,
		ids:    ids,
		logger: logger.Named("media"),
	}
}

// Relay returns the local locator for remoteURL, or remoteURL itself when
// the image cannot be copied.
func (r *Relay) Relay(ctx context.Context, remoteURL, prefix string) string {
	locator, err := r.Store(ctx, remoteURL, prefix)
	if err != nil {
		outcome := "fetch_error"
		if errors.Is(err, ErrImageDecode) {
			outcome = "decode_error"
		}
		metrics.ObserveImage(outcome)
		r.logger.Warn("image relay failed", zap.String("url", remoteURL), zap.Error(err))
		return remoteURL
	}
	metrics.ObserveImage("stored")
	return locator
}

// Store copies one image and returns its locator.
func (r *Relay) Store(ctx context.Context, remoteURL, prefix string) (string, error) {
	resp, err := r.getter.Get(ctx, retrieval.Request{URL: r.relay.Wrap(remoteURL), Timeout: r.cfg.Timeout})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrImageFetch, remoteURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: status %d", ErrImageFetch, remoteURL, resp.StatusCode)
	}
	if _, _, err := image.Decode(bytes.NewReader(resp.Body)); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrImageDecode, remoteURL, err)
	}

	contentType, ext := imageType(resp.Headers.Get("Content-Type"), resp.Body)
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate image id: %w", err)
	}
	path := prefix + r.clock.Now().Format("2006/01/02/") + id + ext
	if _, err := r.store.PutObject(ctx, path, contentType, bytes.NewReader(resp.Body)); err != nil {
		return "", fmt.Errorf("store image %s: %w", path, err)
	}
	return r.cfg.BaseURL + path, nil
}

// imageType resolves the declared content type, sniffing the bytes when
// the header is missing or not an image type.
func imageType(header string, body []byte) (string, string) {
	if mediaType, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mediaType, "image/") {
		if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
			return m.String(), m.Extension()
		}
	}
	detected := mimetype.Detect(body)
	return detected.String(), detected.Extension()
}
