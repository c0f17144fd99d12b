package headless

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-importer/internal/retrieval"
)

func TestNewChromedpAppliesDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, DefaultNavigationTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, DefaultSettleTimeout, f.cfg.SettleTimeout)
	assert.Equal(t, retrieval.DefaultIdentityMarker, f.cfg.Marker)
	assert.Equal(t, DefaultContentSelectors, f.cfg.ContentSelectors)
	assert.NotNil(t, f.slots)
	assert.Contains(t, f.settled, retrieval.DefaultIdentityMarker)

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer unbounded.Close()
	assert.Nil(t, unbounded.slots)
}

func TestSettledExpressionEscapesInputs(t *testing.T) {
	t.Parallel()

	expr, err := settledExpression(`say "hi"`, []string{"#info", `a[href*="/subject/"]`})
	require.NoError(t, err)
	assert.Contains(t, expr, `b.innerText.includes("say \"hi\"")`)
	assert.Contains(t, expr, `["#info","a[href*=\"/subject/\"]"].some(`)
	assert.True(t, strings.HasPrefix(expr, "(() =>"))
}

func TestRequestHeadersMergesCallerHeaders(t *testing.T) {
	t.Parallel()

	got := requestHeaders(http.Header{
		"referer": {"https://www.douban.com/"},
		"X-Multi": {"a", "b"},
		"X-Empty": {},
	}, DefaultAcceptLanguage)
	assert.Equal(t, network.Headers{
		"Accept-Language": DefaultAcceptLanguage,
		"Referer":         "https://www.douban.com/",
		"X-Multi":         "a, b",
	}, got)

	override := requestHeaders(http.Header{"Accept-Language": {"en"}}, DefaultAcceptLanguage)
	assert.Equal(t, "en", override["Accept-Language"])
}

func documentResponse(frame string, status int64, url string, headers network.Headers) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		Type:    network.ResourceTypeDocument,
		FrameID: cdp.FrameID(frame),
		Response: &network.Response{
			Status:  status,
			URL:     url,
			Headers: headers,
		},
	}
}

func TestMainDocumentIgnoresFramesAndSubresources(t *testing.T) {
	t.Parallel()

	doc := &mainDocument{frameID: "main"}
	doc.observe(documentResponse("main", http.StatusNotFound, "https://book.douban.com/subject/1/",
		network.Headers{"Set-Cookie": "a=1\nb=2"}))
	doc.observe(documentResponse("ad-frame", http.StatusOK, "https://ads.example/frame", nil))
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		FrameID:  "main",
		Response: &network.Response{Status: http.StatusOK, URL: "https://img9.doubanio.com/x.jpg"},
	})
	doc.observe(&network.EventLoadingFinished{})

	status, headers, url := doc.result("https://req", "https://final")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "https://book.douban.com/subject/1/", url)
	assert.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestMainDocumentFallbacks(t *testing.T) {
	t.Parallel()

	doc := &mainDocument{frameID: "main"}
	status, headers, url := doc.result("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, headers)
	assert.Equal(t, "https://final", url)

	_, _, url = doc.result("https://req", "")
	assert.Equal(t, "https://req", url)
}

func TestGetHonorsCanceledSlotWait(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1, NavigationTimeout: time.Second})
	require.NoError(t, err)
	defer f.Close()

	require.True(t, f.slots.TryAcquire(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Get(ctx, retrieval.Request{URL: "https://book.douban.com/subject/1/"})
	require.ErrorIs(t, err, context.Canceled)
}
