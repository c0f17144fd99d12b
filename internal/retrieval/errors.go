package retrieval

import "errors"

var (
	// ErrChannelUnavailable means the channel returned a non-200 status, timed out or failed in transport.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrContentNotAuthentic means a 200 response failed the identity or removal checks.
	ErrContentNotAuthentic = errors.New("content not authentic")
	// ErrContentUnavailable means every channel was exhausted.
	ErrContentUnavailable = errors.New("content unavailable")
)
