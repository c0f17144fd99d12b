package retrieval

import (
	"time"

	"go.uber.org/zap"
)

// ChainOptions selects and configures the channels of a Fetcher.
type ChainOptions struct {
	Getter         Getter
	Headless       Getter
	Waiter         Waiter
	Relay          Relay
	Validator      *Validator
	ArchiveEnabled bool
	Archive        ArchiveConfig
	RequestTimeout time.Duration
}

// NewChain builds the standard order: archive index, archive CDX, live,
// then headless when a browser getter is provided.
func NewChain(logger *zap.Logger, opts ChainOptions) *Fetcher {
	validator := opts.Validator
	if validator == nil {
		validator = DefaultValidator()
	}
	getter := WithLimiter(opts.Getter, opts.Waiter)
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var channels []Channel
	if opts.ArchiveEnabled {
		client := NewArchiveClient(opts.Archive, opts.Waiter)
		channels = append(channels,
			NewAvailabilityChannel(opts.Archive, client, getter, validator),
			NewCDXChannel(opts.Archive, client, getter, validator),
		)
	}
	channels = append(channels, NewLiveChannel("live", getter, opts.Relay, timeout, validator))
	if opts.Headless != nil {
		channels = append(channels,
			NewLiveChannel("headless", WithLimiter(opts.Headless, opts.Waiter), Relay{}, timeout, validator))
	}
	return NewFetcher(logger, channels...)
}
