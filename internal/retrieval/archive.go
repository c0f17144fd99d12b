package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Archive endpoints.
const (
	DefaultAvailabilityURL  = "http://archive.org/wayback/available"
	DefaultCDXURL           = "http://web.archive.org/cdx/search/cdx"
	DefaultSnapshotURL      = "http://web.archive.org/web/"
	DefaultMinSnapshotBytes = 10000
)

// ArchiveConfig configures both archive channels.
type ArchiveConfig struct {
	AvailabilityURL  string
	CDXURL           string
	SnapshotURL      string
	Timeout          time.Duration
	MinSnapshotBytes int
	ImageHost        string
	UserAgent        string
}

func (c ArchiveConfig) withDefaults() ArchiveConfig {
	if c.AvailabilityURL == "" {
		c.AvailabilityURL = DefaultAvailabilityURL
	}
	if c.CDXURL == "" {
		c.CDXURL = DefaultCDXURL
	}
	if c.SnapshotURL == "" {
		c.SnapshotURL = DefaultSnapshotURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MinSnapshotBytes <= 0 {
		c.MinSnapshotBytes = DefaultMinSnapshotBytes
	}
	if c.ImageHost == "" {
		c.ImageHost = DefaultImageHost
	}
	return c
}

// NewArchiveClient builds the resty client used for archive index lookups.
// Every lookup waits on w when it is non-nil.
func NewArchiveClient(cfg ArchiveConfig, w Waiter) *resty.Client {
	cfg = cfg.withDefaults()
	client := resty.New().SetTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if w != nil {
		client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return w.Wait(r.Context(), r.URL)
		})
	}
	return client
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// AvailabilityChannel asks the archive for the snapshot closest to the exact URL.
type AvailabilityChannel struct {
	cfg       ArchiveConfig
	client    *resty.Client
	getter    Getter
	validator *Validator
}

// NewAvailabilityChannel builds the exact-URL archive channel.
func NewAvailabilityChannel(cfg ArchiveConfig, client *resty.Client, getter Getter, validator *Validator) *AvailabilityChannel {
	if validator == nil {
		validator = DefaultValidator()
	}
	return &AvailabilityChannel{cfg: cfg.withDefaults(), client: client, getter: getter, validator: validator}
}

// Name implements Channel.
func (c *AvailabilityChannel) Name() string {
	return "archive-index"
}

// Attempt implements Channel.
func (c *AvailabilityChannel) Attempt(ctx context.Context, url string) (Attempt, error) {
	attempt := Attempt{Channel: c.Name(), URL: url}
	start := time.Now()
	fail := func(err error) (Attempt, error) {
		attempt.Err = err
		attempt.Duration = time.Since(start)
		return attempt, err
	}

	resp, err := c.client.R().SetContext(ctx).SetQueryParam("url", url).Get(c.cfg.AvailabilityURL)
	if err != nil {
		return fail(fmt.Errorf("%w: availability lookup: %w", ErrChannelUnavailable, err))
	}
	if resp.StatusCode() != http.StatusOK {
		attempt.StatusCode = resp.StatusCode()
		return fail(fmt.Errorf("%w: availability lookup status %d", ErrChannelUnavailable, resp.StatusCode()))
	}
	var payload availabilityResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return fail(fmt.Errorf("%w: decode availability: %w", ErrChannelUnavailable, err))
	}
	closest := payload.ArchivedSnapshots.Closest
	if closest == nil || closest.URL == "" {
		return fail(fmt.Errorf("%w: no archived snapshot", ErrChannelUnavailable))
	}
	attempt = fetchSnapshot(ctx, attempt, c.getter, closest.URL, c.cfg, c.validator)
	attempt.Duration = time.Since(start)
	return attempt, attempt.Err
}

// Snapshot is one CDX capture.
type Snapshot struct {
	Timestamp  string
	Original   string
	StatusCode int
	Length     int
}

// BestSnapshot picks the latest capture with status 200 and at least
// minBytes of content. Equal timestamps prefer the larger capture. The
// first row is the CDX header.
func BestSnapshot(rows [][]string, minBytes int) (Snapshot, bool) {
	if len(rows) < 2 {
		return Snapshot{}, false
	}
	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}
	tsIdx, okTS := col["timestamp"]
	origIdx, okOrig := col["original"]
	statusIdx, okStatus := col["statuscode"]
	lenIdx, okLen := col["length"]
	if !okTS || !okOrig || !okStatus || !okLen {
		return Snapshot{}, false
	}
	width := max(tsIdx, origIdx, statusIdx, lenIdx)

	var candidates []Snapshot
	for _, row := range rows[1:] {
		if len(row) <= width {
			continue
		}
		status, err := strconv.Atoi(row[statusIdx])
		if err != nil || status != http.StatusOK {
			continue
		}
		length, err := strconv.Atoi(row[lenIdx])
		if err != nil || length < minBytes {
			continue
		}
		candidates = append(candidates, Snapshot{
			Timestamp:  row[tsIdx],
			Original:   row[origIdx],
			StatusCode: status,
			Length:     length,
		})
	}
	if len(candidates) == 0 {
		return Snapshot{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Timestamp != candidates[j].Timestamp {
			return candidates[i].Timestamp > candidates[j].Timestamp
		}
		return candidates[i].Length > candidates[j].Length
	})
	return candidates[0], true
}

// CDXChannel searches the archive's capture index for the best snapshot.
type CDXChannel struct {
	cfg       ArchiveConfig
	client    *resty.Client
	getter    Getter
	validator *Validator
}

// NewCDXChannel builds the best-match archive channel.
func NewCDXChannel(cfg ArchiveConfig, client *resty.Client, getter Getter, validator *Validator) *CDXChannel {
	if validator == nil {
		validator = DefaultValidator()
	}
	return &CDXChannel{cfg: cfg.withDefaults(), client: client, getter: getter, validator: validator}
}

// Name implements Channel.
func (c *CDXChannel) Name() string {
	return "archive-cdx"
}

// Attempt implements Channel.
func (c *CDXChannel) Attempt(ctx context.Context, url string) (Attempt, error) {
	attempt := Attempt{Channel: c.Name(), URL: url}
	start := time.Now()
	fail := func(err error) (Attempt, error) {
		attempt.Err = err
		attempt.Duration = time.Since(start)
		return attempt, err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("url", url).
		SetQueryParam("output", "json").
		Get(c.cfg.CDXURL)
	if err != nil {
		return fail(fmt.Errorf("%w: cdx lookup: %w", ErrChannelUnavailable, err))
	}
	if resp.StatusCode() != http.StatusOK {
		attempt.StatusCode = resp.StatusCode()
		return fail(fmt.Errorf("%w: cdx lookup status %d", ErrChannelUnavailable, resp.StatusCode()))
	}
	var rows [][]string
	if body := strings.TrimSpace(string(resp.Body())); body != "" {
		if err := json.Unmarshal([]byte(body), &rows); err != nil {
			return fail(fmt.Errorf("%w: decode cdx: %w", ErrChannelUnavailable, err))
		}
	}
	best, ok := BestSnapshot(rows, c.cfg.MinSnapshotBytes)
	if !ok {
		return fail(fmt.Errorf("%w: no usable capture", ErrChannelUnavailable))
	}
	snapshotURL := c.cfg.SnapshotURL + best.Timestamp + "/" + url
	attempt = fetchSnapshot(ctx, attempt, c.getter, snapshotURL, c.cfg, c.validator)
	attempt.Duration = time.Since(start)
	return attempt, attempt.Err
}

// fetchSnapshot retrieves and validates one archived page. Links are
// rewritten only once the body is known to be authentic.
func fetchSnapshot(
	ctx context.Context,
	attempt Attempt,
	getter Getter,
	snapshotURL string,
	cfg ArchiveConfig,
	validator *Validator,
) Attempt {
	resp, err := getter.Get(ctx, Request{URL: snapshotURL, Timeout: cfg.Timeout})
	if err != nil {
		attempt.Err = fmt.Errorf("%w: snapshot %s: %w", ErrChannelUnavailable, snapshotURL, err)
		return attempt
	}
	attempt.StatusCode = resp.StatusCode
	attempt.Body = resp.Body
	if err := validator.Check(resp.StatusCode, resp.Body); err != nil {
		attempt.Err = fmt.Errorf("snapshot %s: %w", snapshotURL, err)
		return attempt
	}
	attempt.Body = RewriteSnapshotLinks(resp.Body, cfg.ImageHost)
	attempt.Authentic = true
	return attempt
}
