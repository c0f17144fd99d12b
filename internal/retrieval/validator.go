package retrieval

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
)

// Default authenticity settings for douban pages.
const (
	DefaultIdentityMarker = "关于豆瓣"
	DefaultRemovedPattern = `不存在[^<]+</title>`
)

// Validator decides whether a response is genuine content. A page is
// genuine when it is a 200, carries the identity marker and does not
// look like a removal notice.
type Validator struct {
	marker  []byte
	removed *regexp.Regexp
}

// NewValidator compiles the removal pattern. An empty pattern disables that check.
func NewValidator(marker, removedPattern string) (*Validator, error) {
	v := &Validator{marker: []byte(marker)}
	if removedPattern != "" {
		re, err := regexp.Compile(removedPattern)
		if err != nil {
			return nil, fmt.Errorf("compile removed pattern: %w", err)
		}
		v.removed = re
	}
	return v, nil
}

// DefaultValidator returns the validator configured with the douban defaults.
func DefaultValidator() *Validator {
	return &Validator{
		marker:  []byte(DefaultIdentityMarker),
		removed: regexp.MustCompile(DefaultRemovedPattern),
	}
}

// Check classifies a response.
func (v *Validator) Check(status int, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrChannelUnavailable, status)
	}
	if len(v.marker) > 0 && !bytes.Contains(body, v.marker) {
		return fmt.Errorf("%w: identity marker missing", ErrContentNotAuthentic)
	}
	if v.removed != nil && v.removed.Match(body) {
		return fmt.Errorf("%w: removal notice", ErrContentNotAuthentic)
	}
	return nil
}
