// Package headless renders douban pages in headless Chrome. It backs the
// last retrieval channel, tried after the archive and live fetches.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/review-importer/internal/retrieval"
)

// Defaults for a zero Config.
const (
	DefaultNavigationTimeout = 25 * time.Second
	DefaultSettleTimeout     = 5 * time.Second
	DefaultAcceptLanguage    = "zh-CN,zh;q=0.9"
)

// DefaultContentSelectors match the parts the scrapers read: the labelled
// field block of subject pages and the header of review pages.
var DefaultContentSelectors = []string{"#info", "header.main-hd", "h1 span[property='v:itemreviewed']"}

// Config controls the browser channel.
type Config struct {
	MaxParallel       int
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	// SettleTimeout bounds the wait for scraper-visible content once the
	// DOM is ready. A page that never settles is still returned so the
	// validator can reject it.
	SettleTimeout time.Duration
	// Marker is the site identity text; its presence ends the wait.
	Marker           string
	ContentSelectors []string
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.Marker == "" {
		c.Marker = retrieval.DefaultIdentityMarker
	}
	if len(c.ContentSelectors) == 0 {
		c.ContentSelectors = DefaultContentSelectors
	}
	return c
}

// Fetcher implements retrieval.Getter with one browser tab per request.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	settled     string
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp starts the browser allocator. MaxParallel of zero leaves tab
// creation unbounded.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	cfg = cfg.withDefaults()
	settled, err := settledExpression(cfg.Marker, cfg.ContentSelectors)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{
		cfg:         cfg,
		settled:     settled,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Get renders request.URL and returns the DOM with the status of the main
// document response. The tab is torn down when ctx is canceled.
func (f *Fetcher) Get(ctx context.Context, request retrieval.Request) (retrieval.Response, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return retrieval.Response{}, fmt.Errorf("wait for browser slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	timeout := f.cfg.NavigationTimeout
	if request.Timeout > 0 && request.Timeout < timeout {
		timeout = request.Timeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	start := time.Now()
	// The first Run opens the tab; its target id is the main frame id.
	if err := chromedp.Run(tabCtx, f.prepareTab(request.Headers)); err != nil {
		return retrieval.Response{}, fmt.Errorf("prepare tab: %w", err)
	}
	doc := &mainDocument{}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		doc.frameID = string(c.Target.TargetID)
	}
	chromedp.ListenTarget(tabCtx, doc.observe)

	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return retrieval.Response{}, fmt.Errorf("navigate %s: %w", request.URL, err)
	}
	if !f.waitSettled(tabCtx) && tabCtx.Err() != nil {
		return retrieval.Response{}, fmt.Errorf("render %s: %w", request.URL, tabCtx.Err())
	}

	var html, finalURL string
	if err := chromedp.Run(tabCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return retrieval.Response{}, fmt.Errorf("read rendered page: %w", err)
	}

	status, headers, url := doc.result(request.URL, finalURL)
	return retrieval.Response{
		URL:        url,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(f.cfg.UserAgent).WithAcceptLanguage(f.cfg.AcceptLanguage)
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		extra := requestHeaders(headers, f.cfg.AcceptLanguage)
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// waitSettled polls until the marker or a content selector shows up. Script
// pages fill #info after load, so a page that never settles is still read.
func (f *Fetcher) waitSettled(ctx context.Context) bool {
	var settled bool
	err := chromedp.Run(ctx, chromedp.Poll(f.settled, &settled,
		chromedp.WithPollingTimeout(f.cfg.SettleTimeout),
		chromedp.WithPollingInterval(200*time.Millisecond),
	))
	return err == nil && settled
}

// settledExpression builds the polling predicate. Strings are JSON-encoded
// so markers and selectors with quotes stay valid JavaScript.
func settledExpression(marker string, selectors []string) (string, error) {
	m, err := json.Marshal(marker)
	if err != nil {
		return "", fmt.Errorf("encode marker: %w", err)
	}
	s, err := json.Marshal(selectors)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	return fmt.Sprintf(
		`(() => { const b = document.body; if (!b) return false; `+
			`if (b.innerText.includes(%s)) return true; `+
			`return %s.some((sel) => document.querySelector(sel) !== null); })()`,
		m, s,
	), nil
}

// requestHeaders merges the caller's headers over an Accept-Language
// default. Multi-valued headers are comma-joined as Chrome expects.
func requestHeaders(h http.Header, acceptLanguage string) network.Headers {
	out := network.Headers{}
	if acceptLanguage != "" {
		out["Accept-Language"] = acceptLanguage
	}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(key)] = strings.Join(values, ", ")
	}
	return out
}

// mainDocument keeps the response of the top-level document. Iframe
// documents and subresources are ignored.
type mainDocument struct {
	frameID string

	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *mainDocument) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok {
		return
	}
	d.record(resp)
}

func (d *mainDocument) record(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	if d.frameID != "" && string(ev.FrameID) != d.frameID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = true
	d.status = int(ev.Response.Status)
	d.url = ev.Response.URL
	d.headers = responseHeaders(ev.Response.Headers)
}

// result falls back to 200 when the browser reported no main response, as
// for pages restored from its cache. The validator still checks the body.
func (d *mainDocument) result(requestURL, finalURL string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.seen {
		url := finalURL
		if url == "" {
			url = requestURL
		}
		return http.StatusOK, http.Header{}, url
	}
	return d.status, d.headers.Clone(), d.url
}

func responseHeaders(src network.Headers) http.Header {
	out := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			// Chrome folds repeated headers into one newline-separated value.
			for _, part := range strings.Split(v, "\n") {
				out.Add(key, part)
			}
		case []any:
			for _, part := range v {
				out.Add(key, fmt.Sprint(part))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
