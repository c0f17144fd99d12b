package importer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/markup"
	"github.com/JakeFAU/review-importer/internal/retrieval"
)

const snapshotPrefix = "http://snapshots.test/web/"

// archivedReview is a snapshot of goodReview as the archive serves it.
const archivedReview = `<html><head><title>review</title></head><body>` +
	`<header class="main-hd">` +
	`<a href="http://web.archive.org/web/20200101000000/https://www.douban.com/people/someone/">someone</a>` +
	`<a href="http://web.archive.org/web/20200101000000/https://book.douban.com/subject/1084336/">Subject</a>` +
	`</header><div class="footer">关于豆瓣</div></body></html>`

// siteGetter answers snapshot fetches with the archived review and every
// live request with a 404.
type siteGetter struct {
	mu   sync.Mutex
	live []string
}

func (g *siteGetter) Get(_ context.Context, req retrieval.Request) (retrieval.Response, error) {
	if strings.HasPrefix(req.URL, snapshotPrefix) {
		return retrieval.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(archivedReview)}, nil
	}
	g.mu.Lock()
	g.live = append(g.live, req.URL)
	g.mu.Unlock()
	return retrieval.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
}

func (g *siteGetter) liveCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.live...)
}

// newWaybackServer knows a snapshot of goodReview only and has no CDX
// captures at all.
func newWaybackServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/wayback/available", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("url") != goodReview {
			_, _ = w.Write([]byte(`{"archived_snapshots":{}}`))
			return
		}
		payload := map[string]any{
			"archived_snapshots": map[string]any{
				"closest": map[string]any{
					"available": true,
					"url":       snapshotPrefix + "20200101000000/" + goodReview,
					"timestamp": "20200101000000",
					"status":    "200",
				},
			},
		}
		assert.NoError(t, json.NewEncoder(w).Encode(payload))
	})
	mux.HandleFunc("/cdx/search/cdx", func(w http.ResponseWriter, _ *http.Request) {
		header := [][]string{{"urlkey", "timestamp", "original", "mimetype", "statuscode", "digest", "length"}}
		assert.NoError(t, json.NewEncoder(w).Encode(header))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunThroughArchiveChain(t *testing.T) {
	t.Parallel()

	srv := newWaybackServer(t)
	getter := &siteGetter{}
	chain := retrieval.NewChain(zap.NewNop(), retrieval.ChainOptions{
		Getter:         getter,
		ArchiveEnabled: true,
		Archive: retrieval.ArchiveConfig{
			AvailabilityURL: srv.URL + "/wayback/available",
			CDXURL:          srv.URL + "/cdx/search/cdx",
			SnapshotURL:     snapshotPrefix,
		},
	})

	f := newFixture(t, nil)
	coord, err := importer.NewCoordinator(importer.Config{NotifyTopic: notifyTopic}, importer.Deps{
		Jobs:        f.jobs,
		Staging:     f.blobs,
		Fetcher:     chain,
		Scrapers:    []importer.Scraper{f.scraper},
		Catalog:     f.store,
		Transformer: markup.NewTransformer(nil, ""),
		Publisher:   f.publisher,
	})
	require.NoError(t, err)
	job := f.stage(t, "archive-job", twoRows())

	counters, err := coord.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, importer.Counters{Total: 2, Imported: 1, Failed: []string{badReview}}, counters)

	assert.Equal(t, []string{badReview}, getter.liveCalls(), "an authentic snapshot skips the live channel")

	entities := f.store.Entities()
	require.Len(t, entities, 1)
	assert.Equal(t, subjectURL, entities[0].SourceURL)
	require.Len(t, f.store.Reviews(), 1)
}
