package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single GET.
type Request struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// Response is the raw result of a Getter call. Non-200 statuses are
// returned as responses, not errors.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Getter performs one HTTP GET. Implementations are stateless.
type Getter interface {
	Get(ctx context.Context, req Request) (Response, error)
}

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// GetterFunc adapts a function to the Getter interface.
type GetterFunc func(ctx context.Context, req Request) (Response, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// WithLimiter paces every call of g through w.
func WithLimiter(g Getter, w Waiter) Getter {
	if w == nil {
		return g
	}
	return GetterFunc(func(ctx context.Context, req Request) (Response, error) {
		if err := w.Wait(ctx, req.URL); err != nil {
			return Response{}, fmt.Errorf("wait for %s: %w", req.URL, err)
		}
		return g.Get(ctx, req)
	})
}
