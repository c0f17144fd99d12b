// Package markup turns legacy review HTML into markdown with locally
// hosted images.
package markup

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// DefaultImagePrefix is the media prefix for images embedded in reviews.
const DefaultImagePrefix = "review/"

var (
	boldSpan     = regexp.MustCompile(`<span style="font-weight: bold;">([^<]+)</span>`)
	imageCaption = regexp.MustCompile(`<div class="image-caption">([^<]+)</div>`)
	markdownImg  = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
)

// ImageRelay copies a remote image and returns its local locator, or the
// remote URL on failure.
type ImageRelay interface {
	Relay(ctx context.Context, remoteURL, prefix string) string
}

// RewriteIdioms replaces the legacy bold spans and image captions with
// plain tags. Bodies without them are returned unchanged.
func RewriteIdioms(html string) string {
	out := boldSpan.ReplaceAllString(html, `<b>$1</b>`)
	return imageCaption.ReplaceAllString(out, `<br><i>$1</i><br>`)
}

// Transformer converts review bodies.
type Transformer struct {
	converter *md.Converter
	images    ImageRelay
	prefix    string
}

// NewTransformer builds a Transformer. A nil relay leaves image URLs as they are.
func NewTransformer(images ImageRelay, prefix string) *Transformer {
	if prefix == "" {
		prefix = DefaultImagePrefix
	}
	return &Transformer{
		converter: md.NewConverter("", true, nil),
		images:    images,
		prefix:    prefix,
	}
}

// Transform rewrites idioms, converts to markdown and relays every remote
// image one at a time.
func (t *Transformer) Transform(ctx context.Context, html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	markdown, err := t.converter.ConvertString(RewriteIdioms(html))
	if err != nil {
		return "", fmt.Errorf("convert review body: %w", err)
	}
	if t.images == nil {
		return markdown, nil
	}
	return markdownImg.ReplaceAllStringFunc(markdown, func(match string) string {
		parts := markdownImg.FindStringSubmatch(match)
		alt, target := parts[1], parts[2]
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			return match
		}
		return "![" + alt + "](" + t.images.Relay(ctx, target, t.prefix) + ")"
	}), nil
}
