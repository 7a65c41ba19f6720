// Package server builds the application's dependency graph from config and
// runs the HTTP server and the collection schedule.
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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/api"
	"github.com/JakeFAU/pncp-monitor/internal/catalog"
	"github.com/JakeFAU/pncp-monitor/internal/clock/system"
	"github.com/JakeFAU/pncp-monitor/internal/collector"
	"github.com/JakeFAU/pncp-monitor/internal/config"
	"github.com/JakeFAU/pncp-monitor/internal/crawler"
	"github.com/JakeFAU/pncp-monitor/internal/hash/sha256"
	"github.com/JakeFAU/pncp-monitor/internal/id/uuid"
	"github.com/JakeFAU/pncp-monitor/internal/lock"
	"github.com/JakeFAU/pncp-monitor/internal/logging"
	"github.com/JakeFAU/pncp-monitor/internal/metrics"
	"github.com/JakeFAU/pncp-monitor/internal/normalize"
	"github.com/JakeFAU/pncp-monitor/internal/policy/ratelimit"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/progress"
	progresssinks "github.com/JakeFAU/pncp-monitor/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/pncp-monitor/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/pncp-monitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pncp-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/pncp-monitor/internal/scheduler"
	"github.com/JakeFAU/pncp-monitor/internal/status"
	gcsstorage "github.com/JakeFAU/pncp-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pncp-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/pncp-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/pncp-monitor/internal/storage/postgres"
	s3storage "github.com/JakeFAU/pncp-monitor/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/pncp-monitor/internal/storage/sqlite"
	"github.com/JakeFAU/pncp-monitor/internal/store"
	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	store       store.Store
	blobs       procurement.BlobStore
	publisher   procurement.Publisher
	locker      lock.Locker
	progressHub *progress.Hub
	upstream    *upstream.Client
	collector   *collector.Collector
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    closer
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers progress collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithLogger skips logger construction and uses logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the record store.
func (a *App) Store() store.Store { return a.store }

// Collector returns the collection orchestrator.
func (a *App) Collector() *collector.Collector { return a.collector }

// Upstream returns the PNCP API client.
func (a *App) Upstream() *upstream.Client { return a.upstream }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves HTTP and, when enabled, the collection schedule until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the schedule, waits for an in-flight run to record its outcome
// and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	// Release in reverse construction order.
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, c closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	metrics.Init()

	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Backend),
		zap.String("upstream_shape", cfg.Upstream.Shape),
	)

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupLock(app); err != nil {
		return nil, err
	}
	if err = setupProgress(app); err != nil {
		return nil, err
	}
	if err = setupCollector(app); err != nil {
		return nil, err
	}
	if err = setupScheduler(app); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(app.collector, app.store, app.logger.Named("api"))
	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	cfg := app.cfg.Database
	switch cfg.Backend {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:          cfg.DSN,
			RecordsTable: cfg.RecordsTable,
			RunsTable:    cfg.RunsTable,
			MaxConns:     cfg.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		app.onClose("postgres", pg)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		app.store = pg
		app.logger.Info("using postgres record store", zap.String("records_table", cfg.RecordsTable))
	case "sqlite":
		db, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.Tables{
			Records: cfg.RecordsTable,
			Runs:    cfg.RunsTable,
		})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.onClose("sqlite", db)
		app.store = db
		app.logger.Info("using sqlite record store", zap.String("path", cfg.SQLitePath))
	default:
		app.store = memorystorage.NewRecordStore()
		app.logger.Warn("using in-memory record store, data is lost on exit")
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	if !app.cfg.Collection.ArchivePages {
		app.logger.Debug("page archive disabled")
		return nil
	}
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", blobs)
		app.blobs = blobs
		app.logger.Info("using GCS page archive", zap.String("bucket", cfg.GCSBucket))
	case "s3":
		blobs, err := s3storage.New(s3storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("s3 bucket init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using S3 page archive",
			zap.String("endpoint", cfg.S3.Endpoint),
			zap.String("bucket", cfg.S3.Bucket),
		)
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using local page archive", zap.String("path", cfg.LocalDir))
	default:
		app.blobs = memorystorage.NewBlobStore()
		app.logger.Info("using in-memory page archive")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.Publisher
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client)
		app.onClose("pubsub", pub)
		app.publisher = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("runs_topic", cfg.RunsTopic),
			zap.String("alerts_topic", cfg.AlertsTopic),
		)
	case "kafka":
		pub, err := kafkapublisher.Dial(kafkapublisher.Config{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.onClose("kafka", pub)
		app.publisher = pub
		app.logger.Info("Kafka publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	case "memory":
		app.publisher = memorypublisher.New()
		app.logger.Info("using in-memory publisher")
	default:
		app.logger.Debug("run notifications disabled")
	}
	return nil
}

func setupLock(app *App) error {
	cfg := app.cfg.Lock
	if cfg.Backend != "redis" {
		app.locker = lock.NewLocal()
		return nil
	}
	rl, err := lock.NewRedis(lock.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
		Key:      cfg.Key,
		TTL:      time.Duration(cfg.TTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("redis lock init failed: %w", err)
	}
	app.onClose("redis", rl)
	app.locker = rl
	app.logger.Info("using redis run lock", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.Key))
	return nil
}

func setupProgress(app *App) error {
	cfg := app.cfg.Progress
	var sinkList []progress.Sink
	if cfg.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if topic := app.cfg.Publisher.ProgressTopic; topic != "" && app.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(app.publisher, topic))
		app.logger.Debug("added progress publisher sink", zap.String("topic", topic))
	}

	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupCollector(app *App) error {
	cfg := app.cfg
	loc := cfg.Location()

	weights := cfg.Catalog.Weights
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.Catalog.Path != "" {
		cat, err = catalog.LoadFile(cfg.Catalog.Path, weights)
		app.logger.Info("loaded keyword catalog", zap.String("path", cfg.Catalog.Path))
	} else {
		cat, err = catalog.Default(weights)
	}
	if err != nil {
		return fmt.Errorf("keyword catalog init failed: %w", err)
	}

	params, err := cfg.Upstream.Params()
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Upstream.RateLimit.RPS,
		Burst: cfg.Upstream.RateLimit.Burst,
	})
	shape := upstream.Shape(cfg.Upstream.Shape)
	app.upstream, err = upstream.New(upstream.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		Shape:       shape,
		DateLayout:  cfg.Upstream.DateLayout,
		UserAgent:   cfg.Upstream.UserAgent,
		ExtraParams: params,
	}, &http.Client{}, limiter, app.logger.Named("upstream"))
	if err != nil {
		return fmt.Errorf("upstream client init failed: %w", err)
	}

	pager := crawler.New(app.upstream,
		crawler.WithRequestTimeout(cfg.UpstreamTimeout()),
		crawler.WithRetryPolicy(crawler.NewExponentialRetryPolicy(cfg.Upstream.MaxAttempts, retryBaseDelay, retryMaxDelay)),
		crawler.WithLogger(app.logger.Named("crawler")),
	)
	classifier := status.NewClassifier(loc, app.logger.Named("status"))

	app.collector, err = collector.New(collector.Settings{
		Crawl: crawler.Config{
			DateRangeDays:     cfg.Collection.DateRangeDays,
			Regions:           cfg.Collection.Regions,
			PageSize:          cfg.Collection.PageSize,
			MaxPagesPerRegion: cfg.Collection.MaxPagesPerRegion,
		},
		Shape:             shape,
		RegionConcurrency: cfg.Collection.RegionConcurrency,
		RunTimeout:        cfg.RunTimeout(),
		ArchivePages:      cfg.Collection.ArchivePages,
		ArchivePrefix:     cfg.Collection.ArchivePrefix,
		RunsTopic:         cfg.Publisher.RunsTopic,
		AlertsTopic:       cfg.Publisher.AlertsTopic,
	}, collector.Deps{
		Pager:      pager,
		Normalizer: normalize.New(cat, classifier),
		Store:      app.store,
		Clock:      system.New(loc),
		IDs:        uuid.New(),
		Hasher:     sha256.New(12),
		Blobs:      app.blobs,
		Publisher:  app.publisher,
		Events:     app.progressHub,
		Locker:     app.locker,
		Logger:     app.logger,
	})
	if err != nil {
		return fmt.Errorf("collector init failed: %w", err)
	}
	app.logger.Info("collector initialized",
		zap.Int("keywords", cat.Len()),
		zap.Int("regions", len(cfg.Collection.Regions)),
		zap.Int("region_concurrency", cfg.Collection.RegionConcurrency),
		zap.Duration("run_timeout", cfg.RunTimeout()),
	)
	return nil
}

func setupScheduler(app *App) error {
	cfg := app.cfg.Schedule
	if !cfg.Enabled {
		return nil
	}
	sched, err := scheduler.New(scheduler.Config{
		Spec:         cfg.Cron,
		LookbackDays: cfg.LookbackDays,
		Location:     app.cfg.Location(),
	}, app.collector, app.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	app.scheduler = sched
	return nil
}
