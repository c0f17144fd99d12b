// Package server builds the importer's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/api"
	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/clock/system"
	"github.com/JakeFAU/review-importer/internal/config"
	"github.com/JakeFAU/review-importer/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/review-importer/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/review-importer/internal/fetcher/headless"
	"github.com/JakeFAU/review-importer/internal/id/uuid"
	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/logging"
	"github.com/JakeFAU/review-importer/internal/markup"
	"github.com/JakeFAU/review-importer/internal/media"
	"github.com/JakeFAU/review-importer/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/review-importer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-importer/internal/publisher/pubsub"
	"github.com/JakeFAU/review-importer/internal/queue"
	"github.com/JakeFAU/review-importer/internal/retrieval"
	"github.com/JakeFAU/review-importer/internal/scraper"
	gcsstorage "github.com/JakeFAU/review-importer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-importer/internal/storage/local"
	memorystorage "github.com/JakeFAU/review-importer/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-importer/internal/storage/postgres"
	"github.com/JakeFAU/review-importer/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool        *pgxpool.Pool
	gcsClient   *storage.Client
	gcsStore    *gcsstorage.BlobStore
	pubsub      *pubsub.Client
	topic       *pubsub.Topic
	headless    *headlessfetcher.Fetcher
	jobQueue    queue.Queue
	blobs       importer.BlobStore
	jobStore    importer.JobStore
	catalog     catalog.Store
	scrapers    map[catalog.Kind]*scraper.Scraper
	fetcher     *retrieval.Fetcher
	transformer *markup.Transformer
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server
}

// Build creates every dependency needed by the serve command.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	app, err := BuildScraping(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := app.setupService(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// BuildScraping creates the catalog, media and retrieval dependencies shared
// by the serve, shard and backfill commands.
func BuildScraping(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("media_backend", cfg.Media.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupStorage,
		app.setupScrapers,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Catalog returns the entity and review store.
func (a *App) Catalog() catalog.Store {
	return a.catalog
}

// Scraper returns the scraper for kind.
func (a *App) Scraper(kind catalog.Kind) (*scraper.Scraper, error) {
	s, ok := a.scrapers[kind]
	if !ok {
		return nil, fmt.Errorf("no scraper for kind %q", kind)
	}
	return s, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN configured, using in-memory job and catalog stores")
		a.jobStore = memorystorage.NewJobStore()
		a.catalog = memorystorage.NewCatalogStore()
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if a.jobStore, err = pgstore.NewJobStore(pool); err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	if a.catalog, err = pgstore.NewCatalogStore(pool); err != nil {
		return fmt.Errorf("catalog store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Media.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Media.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			return fmt.Errorf("gcs bucket check failed: %w", err)
		}
		a.gcsStore = store
		a.blobs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Media.Bucket))
	case "local":
		store, err := localstorage.New(a.cfg.Media.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Media.Local.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

// setupScrapers builds the retrieval chain, the image relay, the review
// transformer and one scraper per kind.
func (a *App) setupScrapers(_ context.Context) error {
	fc := a.cfg.Fetcher
	validator, err := retrieval.NewValidator(fc.IdentityMarker, fc.RemovedPattern)
	if err != nil {
		return fmt.Errorf("page validator init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: fc.RateLimitRPS, DefaultBurst: fc.RateLimitBurst})
	getter := collyfetcher.New(collyfetcher.Config{
		UserAgent:        fc.UserAgent,
		Timeout:          fc.RequestTimeout(),
		CloudflareBypass: fc.CloudflareBypass,
	})

	opts := retrieval.ChainOptions{
		Getter:         getter,
		Waiter:         limiter,
		Relay:          fc.Relay(),
		Validator:      validator,
		ArchiveEnabled: fc.ArchiveEnabled,
		Archive: retrieval.ArchiveConfig{
			Timeout:          fc.ArchiveTimeout(),
			MinSnapshotBytes: fc.MinSnapshotBytes,
			ImageHost:        fc.ImageHost,
			UserAgent:        fc.UserAgent,
		},
		RequestTimeout: fc.RequestTimeout(),
	}
	if a.cfg.Headless.Enabled {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleTimeout:     time.Duration(a.cfg.Headless.SettleTimeoutSeconds) * time.Second,
			Marker:            fc.IdentityMarker,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, continuing without it", zap.Error(err))
		} else {
			opts.Headless = a.headless
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}
	fetcher := retrieval.NewChain(a.logger, opts)
	a.logger.Info("retrieval chain ready",
		zap.Strings("channels", fetcher.Channels()),
		zap.Bool("relay", fc.Relay().Enabled()),
	)

	images := media.NewRelay(
		media.Config{BaseURL: a.cfg.Media.BaseURL, Timeout: fc.RequestTimeout()},
		retrieval.WithLimiter(getter, limiter),
		fc.Relay(),
		a.blobs,
		system.New(),
		uuid.New(),
		a.logger,
	)
	a.scrapers, err = scraper.NewSet(fetcher, images, a.catalog, a.logger)
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}

	a.fetcher = fetcher
	a.transformer = markup.NewTransformer(images, a.cfg.Media.ReviewPrefix)
	return nil
}

// setupService adds the publisher, queue, workers and HTTP API.
func (a *App) setupService(ctx context.Context) error {
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	scrapers := make([]importer.Scraper, 0, len(a.scrapers))
	for _, kind := range catalog.Kinds() {
		scrapers = append(scrapers, a.scrapers[kind])
	}
	coordinator, err := importer.NewCoordinator(
		importer.Config{
			Sheets:      a.cfg.Import.Sheets,
			Location:    a.cfg.Import.Location(),
			NotifyTopic: a.cfg.Notify.Topic,
		},
		importer.Deps{
			Jobs:        a.jobStore,
			Staging:     a.blobs,
			Fetcher:     a.fetcher,
			Scrapers:    scrapers,
			Catalog:     a.catalog,
			Transformer: a.transformer,
			Publisher:   publisher,
			Logger:      a.logger,
		},
	)
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}

	a.jobQueue, err = queue.New(queue.Config{
		Backend:  a.cfg.Queue.Backend,
		Depth:    a.cfg.Queue.Depth,
		RabbitMQ: a.cfg.Queue.RabbitMQ,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}

	registry := worker.NewRegistry()
	workers := make([]*worker.Worker, 0, a.cfg.Workers.Concurrency)
	for i := range a.cfg.Workers.Concurrency {
		workers = append(workers, worker.New(
			a.jobQueue,
			a.jobStore,
			coordinator,
			registry,
			worker.Config{},
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.jobQueue, workers, registry)
	a.logger.Info("workers configured", zap.Int("concurrency", len(workers)))

	a.apiServer = api.NewServer(
		a.jobStore,
		a.blobs,
		a.dispatch,
		uuid.New(),
		system.New(),
		a.cfg,
		a.logger,
		a.readinessChecks(),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (importer.Publisher, error) {
	if a.cfg.Notify.Backend != "pubsub" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = client
	a.topic = client.Topic(a.cfg.Notify.Topic)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return gcppublisher.New(a.topic), nil
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if a.pool != nil {
		checks["postgres"] = func(ctx context.Context) error {
			if err := a.pool.Ping(ctx); err != nil {
				return fmt.Errorf("ping postgres: %w", err)
			}
			return nil
		}
	}
	if a.gcsStore != nil {
		checks["bucket"] = a.gcsStore.CheckBucket
	}
	return checks
}

// Run starts the workers and the HTTP server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	if a.apiServer == nil {
		return errors.New("app was built without the service components")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	a.Close()
	return nil
}

// Close releases every client the app opened.
func (a *App) Close() {
	if a.jobQueue != nil {
		if err := a.jobQueue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
