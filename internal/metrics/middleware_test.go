package metrics

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scrapeValue reads one series from the exposition output, or 0 when the
// series has not been written yet.
func scrapeValue(t *testing.T, series string) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, series+" ") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, series)), 64)
		require.NoError(t, err)
		return v
	}
	return 0
}

func importRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/imports/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/imports/{job_id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return r
}

func TestMiddlewareLabelsImportRoutes(t *testing.T) {
	Init()
	const (
		statusSeries = `http_request_duration_seconds_count{method="GET",route="/v1/imports/{job_id}/status"}`
		cancelSeries = `http_request_duration_seconds_count{method="POST",route="/v1/imports/{job_id}/cancel"}`
		rawSeries    = `http_request_duration_seconds_count{method="GET",route="/v1/imports/job-1/status"}`
	)
	statusBefore := scrapeValue(t, statusSeries)
	cancelBefore := scrapeValue(t, cancelSeries)
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	conflictBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))

	router := importRouter()
	for _, id := range []string{"job-1", "job-2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/imports/"+id+"/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/imports/job-1/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	assert.InDelta(t, 2, scrapeValue(t, statusSeries)-statusBefore, 0, "job ids collapse into the route pattern")
	assert.InDelta(t, 1, scrapeValue(t, cancelSeries)-cancelBefore, 0)
	assert.Zero(t, scrapeValue(t, rawSeries), "raw paths never become label values")
	assert.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))-okBefore, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))-conflictBefore, 0)
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	Init()
	const series = `http_request_duration_seconds_count{method="GET",route="unknown"}`
	before := scrapeValue(t, series)

	rec := httptest.NewRecorder()
	Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/imports", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.InDelta(t, 1, scrapeValue(t, series)-before, 0)
}
