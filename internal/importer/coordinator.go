package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/metrics"
)

// Row outcomes.
const (
	OutcomeImported = "imported"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

const statusWriteTimeout = 10 * time.Second

// SheetBinding maps a workbook sheet to the entity kind of its reviews.
type SheetBinding struct {
	Name string       `mapstructure:"name"`
	Kind catalog.Kind `mapstructure:"kind"`
}

// DefaultSheets lists the sheets of a douban review export in import order.
func DefaultSheets() []SheetBinding {
	return []SheetBinding{
		{Name: "书评", Kind: catalog.KindBook},
		{Name: "影评", Kind: catalog.KindMovie},
		{Name: "乐评", Kind: catalog.KindMusic},
		{Name: "游戏评论&攻略", Kind: catalog.KindGame},
	}
}

// Notification is published to the job's owner.
type Notification struct {
	JobID   string `json:"job_id"`
	User    string `json:"user"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Config tunes a Coordinator.
type Config struct {
	Sheets      []SheetBinding
	Location    *time.Location
	NotifyTopic string
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Jobs        JobStore
	Staging     BlobStore
	Fetcher     PageFetcher
	Scrapers    []Scraper
	Catalog     catalog.Store
	Transformer Transformer
	Publisher   Publisher
	Logger      *zap.Logger
}

// Coordinator runs import jobs. It holds no per-job state, so one
// instance may serve many workers.
type Coordinator struct {
	cfg         Config
	jobs        JobStore
	staging     BlobStore
	fetcher     PageFetcher
	scrapers    map[catalog.Kind]Scraper
	catalog     catalog.Store
	transformer Transformer
	publisher   Publisher
	logger      *zap.Logger
}

// NewCoordinator validates dependencies and builds a Coordinator.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Jobs == nil || deps.Staging == nil || deps.Fetcher == nil ||
		deps.Catalog == nil || deps.Transformer == nil {
		return nil, errors.New("coordinator requires job store, staging store, fetcher, catalog and transformer")
	}
	if len(cfg.Sheets) == 0 {
		cfg.Sheets = DefaultSheets()
	}
	if cfg.Location == nil {
		cfg.Location = DefaultLocation()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scrapers := make(map[catalog.Kind]Scraper, len(deps.Scrapers))
	for _, s := range deps.Scrapers {
		scrapers[s.Kind()] = s
	}
	return &Coordinator{
		cfg:         cfg,
		jobs:        deps.Jobs,
		staging:     deps.Staging,
		fetcher:     deps.Fetcher,
		scrapers:    scrapers,
		catalog:     deps.Catalog,
		transformer: deps.Transformer,
		publisher:   deps.Publisher,
		logger:      logger.Named("importer"),
	}, nil
}

// jobRun carries the mutable state of one Run call.
type jobRun struct {
	job      Job
	counters Counters
	logger   *zap.Logger
}

// Run processes every configured sheet of the job's staged workbook and
// returns the final counters. A setup error marks the job failed and
// wraps ErrJobSetup; a canceled context marks it canceled.
func (c *Coordinator) Run(ctx context.Context, job Job) (Counters, error) {
	run := &jobRun{
		job:      job,
		counters: Counters{Failed: []string{}},
		logger:   c.logger.With(zap.String("job_id", job.ID), zap.String("owner", job.Owner)),
	}

	wb, err := c.openWorkbook(ctx, job.File)
	if err != nil {
		run.logger.Error("job setup failed", zap.String("file", job.File), zap.Error(err))
		c.flush(ctx, run, JobStatusFailed, err.Error())
		metrics.ObserveJob(string(JobStatusFailed))
		c.notify(ctx, run, LevelError, "豆瓣评论导入失败，无法读取上传的文件。")
		return run.counters.Clone(), fmt.Errorf("%w: %w", ErrJobSetup, err)
	}
	defer func() {
		if err := wb.Close(); err != nil {
			run.logger.Warn("close workbook", zap.Error(err))
		}
	}()

	c.flush(ctx, run, JobStatusRunning, "")
	c.notify(ctx, run, LevelInfo, "开始导入豆瓣评论")
	run.logger.Info("import started", zap.String("file", job.File))

	for _, sheet := range c.cfg.Sheets {
		if err := c.importSheet(ctx, run, wb, sheet); err != nil {
			run.logger.Info("import canceled", zap.Int("total", run.counters.Total))
			c.flush(ctx, run, JobStatusCanceled, err.Error())
			metrics.ObserveJob(string(JobStatusCanceled))
			return run.counters.Clone(), fmt.Errorf("import canceled: %w", err)
		}
	}

	c.flush(ctx, run, JobStatusDone, "")
	metrics.ObserveJob(string(JobStatusDone))
	run.logger.Info("import finished",
		zap.Int("total", run.counters.Total),
		zap.Int("skipped", run.counters.Skipped),
		zap.Int("imported", run.counters.Imported),
		zap.Int("failed", len(run.counters.Failed)),
	)
	c.notify(ctx, run, LevelSuccess, fmt.Sprintf("豆瓣评论导入完成，共处理%d篇，已存在%d篇，新增%d篇。",
		run.counters.Total, run.counters.Skipped, run.counters.Imported))
	if len(run.counters.Failed) > 0 {
		c.notify(ctx, run, LevelError, "豆瓣评论导入时未能处理以下网址：\n"+strings.Join(run.counters.Failed, " , "))
	}
	return run.counters.Clone(), nil
}

func (c *Coordinator) openWorkbook(ctx context.Context, path string) (*Workbook, error) {
	rc, err := c.staging.GetObject(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer func() {
		_ = rc.Close()
	}()
	return OpenWorkbook(rc)
}

// importSheet returns a non-nil error only when ctx is done.
func (c *Coordinator) importSheet(ctx context.Context, run *jobRun, wb *Workbook, sheet SheetBinding) error {
	logger := run.logger.With(zap.String("sheet", sheet.Name), zap.String("kind", string(sheet.Kind)))
	scraper, ok := c.scrapers[sheet.Kind]
	if !ok {
		logger.Warn("no scraper for sheet kind")
		return nil
	}
	rows, err := wb.Rows(sheet.Name)
	if err != nil {
		logger.Info("sheet skipped", zap.Error(err))
		return nil
	}
	logger.Debug("sheet loaded", zap.Int("rows", len(rows)))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := run.counters.Clone()
		outcome := c.processRow(ctx, run, sheet.Kind, scraper, row)
		if outcome == OutcomeFailed && ctx.Err() != nil {
			// The row was cut short, not failed; a rerun picks it up.
			run.counters = before
			logger.Info("row interrupted", zap.String("url", row.ReviewURL), zap.Int("line", row.Line))
			return ctx.Err()
		}
		metrics.ObserveRow(string(sheet.Kind), outcome)
		c.flush(ctx, run, JobStatusRunning, "")
	}
	return nil
}

// processRow applies one row and records exactly one outcome.
func (c *Coordinator) processRow(
	ctx context.Context,
	run *jobRun,
	kind catalog.Kind,
	scraper Scraper,
	row ReviewRow,
) string {
	run.counters.Total++
	logger := run.logger.With(zap.String("kind", string(kind)), zap.String("url", row.ReviewURL), zap.Int("line", row.Line))
	fail := func(err error) string {
		logger.Warn("row failed", zap.Error(err))
		run.counters.Failed = append(run.counters.Failed, row.ReviewURL)
		return OutcomeFailed
	}

	entity, err := c.resolveEntity(ctx, run.job.Owner, kind, scraper, row.ReviewURL)
	if err != nil {
		return fail(err)
	}
	exists, err := c.catalog.ReviewExists(ctx, run.job.Owner, kind, entity.ID)
	if err != nil {
		return fail(fmt.Errorf("check review: %w", err))
	}
	if exists {
		run.counters.Skipped++
		return OutcomeSkipped
	}

	body, err := c.transformer.Transform(ctx, row.Body)
	if err != nil {
		return fail(fmt.Errorf("transform body: %w", err))
	}
	ts, err := ParseTimestamp(row.Timestamp, c.cfg.Location)
	if err != nil {
		logger.Warn("unparsable review time", zap.Error(err))
	}
	_, err = c.catalog.CreateReview(ctx, catalog.Review{
		Owner:      run.job.Owner,
		Kind:       kind,
		EntityID:   entity.ID,
		Title:      row.Title,
		Body:       body,
		CreatedAt:  ts,
		EditedAt:   ts,
		Visibility: run.job.Visibility,
	})
	switch {
	case errors.Is(err, catalog.ErrDuplicateReview):
		run.counters.Skipped++
		return OutcomeSkipped
	case err != nil:
		return fail(fmt.Errorf("create review: %w", err))
	}
	run.counters.Imported++
	logger.Debug("review imported", zap.Int64("entity_id", entity.ID))
	return OutcomeImported
}

// resolveEntity follows the review page to its subject and returns the
// stored entity, scraping it on first encounter.
func (c *Coordinator) resolveEntity(
	ctx context.Context,
	owner string,
	kind catalog.Kind,
	scraper Scraper,
	reviewURL string,
) (catalog.Entity, error) {
	if reviewURL == "" {
		return catalog.Entity{}, fmt.Errorf("%w: empty review url", ErrEntityResolution)
	}
	doc, fetchErr := c.fetcher.Fetch(ctx, reviewURL)
	subject := SubjectLink(doc)
	if subject == "" {
		if fetchErr != nil {
			return catalog.Entity{}, fmt.Errorf("%w: %s: %w", ErrEntityResolution, reviewURL, fetchErr)
		}
		return catalog.Entity{}, fmt.Errorf("%w: %s: no subject link", ErrEntityResolution, reviewURL)
	}
	sourceURL, err := catalog.NormalizeSourceURL(subject)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("%w: %w", ErrEntityResolution, err)
	}

	entity, err := c.catalog.FindBySourceURL(ctx, kind, sourceURL)
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.Entity{}, fmt.Errorf("%w: find %s: %w", ErrEntityResolution, sourceURL, err)
	}
	scraped, err := scraper.Scrape(ctx, sourceURL)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("%w: scrape %s: %w", ErrEntityResolution, sourceURL, err)
	}
	entity, err = scraper.Persist(ctx, owner, scraped)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("%w: persist %s: %w", ErrEntityResolution, sourceURL, err)
	}
	return entity, nil
}

// SubjectLink returns the last subject link in a review page header.
func SubjectLink(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	var link string
	doc.Find("header.main-hd a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if strings.Contains(href, ".douban.com/subject/") || strings.Contains(href, ".douban.com/game/") {
			link = href
		}
	})
	return link
}

// flush writes the run's counters. Status writes outlive ctx so that a
// canceled job still records its final state.
func (c *Coordinator) flush(ctx context.Context, run *jobRun, status JobStatus, errText string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := c.jobs.UpdateJobStatus(writeCtx, run.job.ID, status, errText, run.counters.Clone()); err != nil {
		run.logger.Warn("failed to flush job status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (c *Coordinator) notify(ctx context.Context, run *jobRun, level, message string) {
	if c.publisher == nil || c.cfg.NotifyTopic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	payload := Notification{JobID: run.job.ID, User: run.job.Owner, Level: level, Message: message}
	if _, err := c.publisher.Publish(pubCtx, c.cfg.NotifyTopic, payload); err != nil {
		run.logger.Warn("failed to publish notification", zap.String("level", level), zap.Error(err))
	}
}
