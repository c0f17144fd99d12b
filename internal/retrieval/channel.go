package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Attempt is the transient record of one channel try.
type Attempt struct {
	Channel    string
	URL        string
	StatusCode int
	Err        error
	Body       []byte
	Authentic  bool
	Duration   time.Duration
}

// Channel is one retrieval strategy. A nil error means Attempt.Body is
// authentic content.
type Channel interface {
	Name() string
	Attempt(ctx context.Context, url string) (Attempt, error)
}

// LiveChannel fetches the page itself, directly or through the relay.
type LiveChannel struct {
	name      string
	getter    Getter
	relay     Relay
	timeout   time.Duration
	validator *Validator
}

// NewLiveChannel builds a live channel. The headless channel reuses this
// type with a browser-backed Getter and a disabled relay.
func NewLiveChannel(name string, getter Getter, relay Relay, timeout time.Duration, validator *Validator) *LiveChannel {
	if validator == nil {
		validator = DefaultValidator()
	}
	return &LiveChannel{
		name:      name,
		getter:    getter,
		relay:     relay,
		timeout:   timeout,
		validator: validator,
	}
}

// Name implements Channel.
func (c *LiveChannel) Name() string {
	return c.name
}

// Attempt implements Channel.
func (c *LiveChannel) Attempt(ctx context.Context, url string) (Attempt, error) {
	attempt := Attempt{Channel: c.name, URL: url}
	start := time.Now()
	resp, err := c.getter.Get(ctx, Request{URL: c.relay.Wrap(url), Timeout: c.timeout})
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Err = fmt.Errorf("%w: %s: %w", ErrChannelUnavailable, c.name, err)
		return attempt, attempt.Err
	}
	attempt.StatusCode = resp.StatusCode
	attempt.Body = resp.Body
	if err := c.validator.Check(resp.StatusCode, resp.Body); err != nil {
		attempt.Err = fmt.Errorf("%s: %w", c.name, err)
		return attempt, attempt.Err
	}
	attempt.Authentic = true
	return attempt, nil
}
