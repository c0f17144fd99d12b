package importer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/markup"
	pubmemory "github.com/JakeFAU/review-importer/internal/publisher/memory"
	"github.com/JakeFAU/review-importer/internal/storage/memory"
)

const notifyTopic = "import-notifications"

// pageFetcher serves canned review pages and fails on anything else.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
	// onFetch runs before each lookup when set.
	onFetch func(url string)
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (*goquery.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(url)
	}
	body, ok := f.pages[url]
	if !ok {
		doc, _ := goquery.NewDocumentFromReader(strings.NewReader("<html />"))
		return doc, fmt.Errorf("content unavailable: %s", url)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

func reviewPage(subject string) string {
	return `<html><body><header class="main-hd">
		<a href="https://www.douban.com/people/someone/">someone</a>
		<a href="` + subject + `">Subject</a>
	</header></body></html>`
}

// entityScraper builds entities without touching the network.
type entityScraper struct {
	kind  catalog.Kind
	store catalog.EntityStore

	mu      sync.Mutex
	scraped []string
}

func (s *entityScraper) Kind() catalog.Kind { return s.kind }

func (s *entityScraper) Scrape(_ context.Context, url string) (catalog.Entity, error) {
	s.mu.Lock()
	s.scraped = append(s.scraped, url)
	s.mu.Unlock()
	return catalog.Entity{Kind: s.kind, SourceURL: url, Title: "Scraped " + url}, nil
}

func (s *entityScraper) Persist(ctx context.Context, owner string, e catalog.Entity) (catalog.Entity, error) {
	e.CreatedBy = owner
	e.SourceSite = catalog.SourceSiteDouban
	stored, _, err := s.store.CreateIfAbsent(ctx, e)
	return stored, err
}

// recordingJobs checks that every counter snapshot it receives balances.
type recordingJobs struct {
	*memory.JobStore

	mu       sync.Mutex
	statuses []importer.JobStatus
	flushes  []importer.Counters
}

func (r *recordingJobs) UpdateJobStatus(
	ctx context.Context,
	id string,
	status importer.JobStatus,
	errText string,
	counters importer.Counters,
) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.flushes = append(r.flushes, counters.Clone())
	r.mu.Unlock()
	return r.JobStore.UpdateJobStatus(ctx, id, status, errText, counters)
}

// racingCatalog reports no existing review but loses the insert race.
type racingCatalog struct {
	*memory.CatalogStore
}

func (racingCatalog) CreateReview(context.Context, catalog.Review) (catalog.Review, error) {
	return catalog.Review{}, catalog.ErrDuplicateReview
}

type fixture struct {
	jobs      *recordingJobs
	blobs     *memory.BlobStore
	store     *memory.CatalogStore
	fetcher   *pageFetcher
	scraper   *entityScraper
	publisher *pubmemory.Publisher
	coord     *importer.Coordinator
}

func newFixture(t *testing.T, cat catalog.Store) *fixture {
	t.Helper()

	store := memory.NewCatalogStore()
	if cat == nil {
		cat = store
	}
	f := &fixture{
		jobs:      &recordingJobs{JobStore: memory.NewJobStore()},
		blobs:     memory.NewBlobStore(),
		store:     store,
		fetcher:   &pageFetcher{pages: map[string]string{}},
		scraper:   &entityScraper{kind: catalog.KindBook, store: store},
		publisher: pubmemory.New(),
	}
	coord, err := importer.NewCoordinator(importer.Config{NotifyTopic: notifyTopic}, importer.Deps{
		Jobs:        f.jobs,
		Staging:     f.blobs,
		Fetcher:     f.fetcher,
		Scrapers:    []importer.Scraper{f.scraper},
		Catalog:     cat,
		Transformer: markup.NewTransformer(nil, ""),
		Publisher:   f.publisher,
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) stage(t *testing.T, jobID string, rows [][]any) importer.Job {
	t.Helper()

	wb := excelize.NewFile()
	require.NoError(t, wb.SetSheetName("Sheet1", "书评"))
	header := []any{"标题", "评分", "评论链接", "创建时间", "编辑时间", "被收藏", "内容"}
	require.NoError(t, wb.SetSheetRow("书评", "A1", &header))
	for i, row := range rows {
		r := row
		require.NoError(t, wb.SetSheetRow("书评", fmt.Sprintf("A%d", i+2), &r))
	}
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	path := "staging/" + jobID + ".xlsx"
	_, err = f.blobs.PutObject(context.Background(), path, "application/octet-stream", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	job := importer.Job{
		ID:         jobID,
		Owner:      "user-1",
		Visibility: catalog.VisibilityFollowers,
		File:       path,
		Status:     importer.JobStatusQueued,
		Submitted:  time.Now(),
	}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) notifications() []importer.Notification {
	var out []importer.Notification
	for _, p := range f.publisher.Payloads(notifyTopic) {
		out = append(out, p.(importer.Notification))
	}
	return out
}

const (
	goodReview = "https://book.douban.com/review/100/"
	badReview  = "https://book.douban.com/review/200/"
	subjectURL = "https://book.douban.com/subject/1084336/"
)

func twoRows() [][]any {
	return [][]any{
		{"Good", "5", goodReview, "2020-01-02 03:04:05", "", "", "<p>hello <b>world</b></p>"},
		{"Bad", "3", badReview, "2020-01-03 03:04:05", "", "", "<p>never imported</p>"},
	}
}

func TestRunImportsAndReportsFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage("http://book.douban.com/subject/1084336/?from=review")
	job := f.stage(t, "job-1", twoRows())

	counters, err := f.coord.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, importer.Counters{Total: 2, Skipped: 0, Imported: 1, Failed: []string{badReview}}, counters)

	stored, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, importer.JobStatusDone, stored.Status)
	require.Equal(t, counters, stored.Counters)
	require.NotNil(t, stored.Started)
	require.NotNil(t, stored.Finished)

	entities := f.store.Entities()
	require.Len(t, entities, 1)
	require.Equal(t, subjectURL, entities[0].SourceURL)
	require.Equal(t, "user-1", entities[0].CreatedBy)

	reviews := f.store.Reviews()
	require.Len(t, reviews, 1)
	review := reviews[0]
	require.Equal(t, "Good", review.Title)
	require.Equal(t, "hello **world**", review.Body)
	require.Equal(t, catalog.VisibilityFollowers, review.Visibility)
	require.Equal(t, entities[0].ID, review.EntityID)
	require.NotNil(t, review.CreatedAt)
	require.True(t, review.CreatedAt.Equal(time.Date(2020, 1, 1, 19, 4, 5, 0, time.UTC)))

	notes := f.notifications()
	require.Len(t, notes, 3)
	require.Equal(t, importer.LevelInfo, notes[0].Level)
	require.Equal(t, "开始导入豆瓣评论", notes[0].Message)
	require.Equal(t, importer.LevelSuccess, notes[1].Level)
	require.Equal(t, "豆瓣评论导入完成，共处理2篇，已存在0篇，新增1篇。", notes[1].Message)
	require.Equal(t, importer.LevelError, notes[2].Level)
	require.Contains(t, notes[2].Message, badReview)
	for _, n := range notes {
		require.Equal(t, "job-1", n.JobID)
		require.Equal(t, "user-1", n.User)
	}
}

func TestRunAgainSkipsExistingReviews(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)

	_, err := f.coord.Run(context.Background(), f.stage(t, "first", twoRows()))
	require.NoError(t, err)

	counters, err := f.coord.Run(context.Background(), f.stage(t, "second", twoRows()))
	require.NoError(t, err)
	require.Equal(t, 2, counters.Total)
	require.Equal(t, 1, counters.Skipped)
	require.Equal(t, 0, counters.Imported)
	require.Equal(t, []string{badReview}, counters.Failed)

	require.Len(t, f.store.Reviews(), 1)
	require.Len(t, f.scraper.scraped, 1, "entity is scraped once and reused")
}

func TestRunFlushesBalancedCounters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)
	_, err := f.coord.Run(context.Background(), f.stage(t, "job", twoRows()))
	require.NoError(t, err)

	f.jobs.mu.Lock()
	defer f.jobs.mu.Unlock()
	require.NotEmpty(t, f.jobs.flushes)
	for i, c := range f.jobs.flushes {
		require.True(t, c.Balanced(), "flush %d: %+v", i, c)
	}
	require.Equal(t, importer.JobStatusRunning, f.jobs.statuses[0])
	require.Equal(t, importer.JobStatusDone, f.jobs.statuses[len(f.jobs.statuses)-1])
	// one initial running flush, one per row, one final
	require.Len(t, f.jobs.flushes, 4)
}

func TestRunSetupFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := importer.Job{ID: "missing", Owner: "user-1", File: "staging/missing.xlsx", Status: importer.JobStatusQueued}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))

	_, err := f.coord.Run(context.Background(), job)
	require.ErrorIs(t, err, importer.ErrJobSetup)

	stored, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, importer.JobStatusFailed, stored.Status)
	require.NotEmpty(t, stored.ErrorText)

	notes := f.notifications()
	require.Len(t, notes, 1)
	require.Equal(t, importer.LevelError, notes[0].Level)
}

func TestRunCorruptWorkbook(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.blobs.PutObject(context.Background(), "staging/bad.xlsx", "", strings.NewReader("not a workbook"))
	require.NoError(t, err)
	job := importer.Job{ID: "bad", Owner: "user-1", File: "staging/bad.xlsx", Status: importer.JobStatusQueued}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))

	_, err = f.coord.Run(context.Background(), job)
	require.ErrorIs(t, err, importer.ErrJobSetup)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)
	job := f.stage(t, "cancel", twoRows())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	counters, err := f.coord.Run(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, counters.Total)

	stored, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, importer.JobStatusCanceled, stored.Status)
	require.Empty(t, f.fetcher.calls)
}

func TestRunCanceledMidRowKeepsFailedListClean(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)
	job := f.stage(t, "cancel-mid-row", twoRows())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.onFetch = func(url string) {
		if url == badReview {
			cancel()
		}
	}

	counters, err := f.coord.Run(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, counters.Total)
	assert.Equal(t, 1, counters.Imported)
	assert.Empty(t, counters.Failed)

	stored, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, importer.JobStatusCanceled, stored.Status)
	assert.Equal(t, 1, stored.Counters.Total)
	assert.Empty(t, stored.Counters.Failed)
}

func TestRunIgnoresMissingSheets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.stage(t, "empty", nil)

	counters, err := f.coord.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, importer.Counters{Failed: []string{}}, counters)

	notes := f.notifications()
	require.Len(t, notes, 2)
	require.Equal(t, "豆瓣评论导入完成，共处理0篇，已存在0篇，新增0篇。", notes[1].Message)
}

func TestRunCountsLostInsertRaceAsSkipped(t *testing.T) {
	t.Parallel()

	racing := racingCatalog{CatalogStore: memory.NewCatalogStore()}
	f := newFixture(t, racing)
	f.scraper.store = racing
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)

	counters, err := f.coord.Run(context.Background(), f.stage(t, "race", twoRows()[:1]))
	require.NoError(t, err)
	require.Equal(t, importer.Counters{Total: 1, Skipped: 1, Failed: []string{}}, counters)
}

func TestRunFailsRowWithoutSubjectLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = `<html><body><header class="main-hd"><a href="https://www.douban.com/people/x/">x</a></header></body></html>`

	counters, err := f.coord.Run(context.Background(), f.stage(t, "nolink", twoRows()[:1]))
	require.NoError(t, err)
	require.Equal(t, []string{goodReview}, counters.Failed)
	require.Empty(t, f.scraper.scraped)
}

func TestCoordinatorServesConcurrentRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.pages[goodReview] = reviewPage(subjectURL)
	jobs := []importer.Job{f.stage(t, "a", twoRows()), f.stage(t, "b", twoRows())}

	var wg sync.WaitGroup
	results := make([]importer.Counters, len(jobs))
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.coord.Run(context.Background(), job)
			assert.NoError(t, err)
			results[i] = c
		}()
	}
	wg.Wait()

	for _, c := range results {
		require.Equal(t, 2, c.Total)
		require.True(t, c.Balanced())
	}
	require.Len(t, f.store.Reviews(), 1)
	require.Equal(t, 1, results[0].Imported+results[1].Imported)
}

func TestSubjectLink(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		reviewPage("https://www.douban.com/game/10734307/"): "https://www.douban.com/game/10734307/",
		`<header class="main-hd"><a href="https://movie.douban.com/subject/1/">a</a><a href="https://movie.douban.com/subject/2/">b</a></header>`: "https://movie.douban.com/subject/2/",
		`<div><a href="https://book.douban.com/subject/1/">outside</a></div>`:                                                                     "",
	}
	for body, want := range cases {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, want, importer.SubjectLink(doc))
	}
	require.Empty(t, importer.SubjectLink(nil))
}

func TestNewCoordinatorRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := importer.NewCoordinator(importer.Config{}, importer.Deps{})
	require.Error(t, err)
	require.False(t, errors.Is(err, importer.ErrJobSetup))
}
