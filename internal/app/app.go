// Package app is the composition root: it builds the long-lived services from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/api"
	"github.com/JakeFAU/practicewatch/internal/classifier"
	"github.com/JakeFAU/practicewatch/internal/clock/system"
	"github.com/JakeFAU/practicewatch/internal/config"
	"github.com/JakeFAU/practicewatch/internal/discovery"
	"github.com/JakeFAU/practicewatch/internal/engine"
	collyfetcher "github.com/JakeFAU/practicewatch/internal/fetcher/colly"
	"github.com/JakeFAU/practicewatch/internal/fetcher/polite"
	"github.com/JakeFAU/practicewatch/internal/hash/sha256"
	"github.com/JakeFAU/practicewatch/internal/id/uuid"
	"github.com/JakeFAU/practicewatch/internal/logging"
	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/notify"
	gcppublisher "github.com/JakeFAU/practicewatch/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/practicewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/practicewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/practicewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/practicewatch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/practicewatch/internal/storage/sqlite"
	"github.com/JakeFAU/practicewatch/internal/store"
	"github.com/JakeFAU/practicewatch/internal/telemetry"
	"github.com/JakeFAU/practicewatch/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	repo       store.Repository
	layer      *polite.Layer
	classifier *classifier.Classifier
	discoverer *discovery.Discoverer
	engine     *engine.Engine
	apiServer  *api.Server
	publisher  *gcppublisher.Publisher
	gcs        *gcsstorage.BlobStore
	tracer     *sdktrace.TracerProvider
	closeOnce  sync.Once
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("notify_transport", cfg.Notify.Transport),
		zap.Bool("snapshots", cfg.Storage.Snapshots),
	)

	if cfg.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, sdktrace.WithBatcher(telemetry.NewLogExporter(logger)))
		if err != nil {
			return a, fmt.Errorf("tracer provider init failed: %w", err)
		}
		logger.Info("tracing enabled", zap.Float64("sample_ratio", cfg.Tracing.SampleRatio))
	}
	if a.repo, err = setupRepository(ctx, cfg.DB, logger); err != nil {
		return a, err
	}
	a.setupFetching()

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return a, err
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return a, err
	}

	clock := system.New(time.Microsecond)
	ids := uuid.New()
	deps := worker.Deps{
		Fetcher:    a.layer,
		Classifier: a.classifier,
		Statuses:   a.repo,
		Clock:      clock,
		Retry:      worker.NewRetryPolicy(cfg.HTTP.MaxRetries, cfg.HTTP.BackoffInitial, cfg.HTTP.BackoffMax),
	}
	if blobs != nil {
		deps.Blobs = blobs
		deps.Hasher = sha256.New()
	}
	pipeline, err := worker.NewPipeline(deps, worker.Config{
		SaveSnapshots:  blobs != nil,
		SnapshotPrefix: cfg.Storage.Prefix,
		ContentType:    cfg.Storage.ContentType,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("worker pipeline init failed: %w", err)
	}

	a.engine, err = engine.New(engine.Config{
		BatchSize:            cfg.Scan.BatchSize,
		Concurrency:          cfg.Scan.Concurrency,
		DiscoveryConcurrency: cfg.Discovery.Concurrency,
	}, engine.Deps{
		Subscriptions: a.subscriptionSource(),
		Discoverer:    a.discoverer,
		Targets:       a.repo,
		Statuses:      a.repo,
		Pipeline:      pipeline,
		Notifier:      notify.New(notify.Config{Cooldown: cfg.Notify.Cooldown}, a.repo, notifier, clock, ids, logger),
		Clock:         clock,
		IDs:           ids,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("engine init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.engine, a.repo, cfg.Auth, logger.Named("api"))
	return a, nil
}

func setupRepository(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		repo, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres repository init failed: %w", err)
		}
		if cfg.AutoMigrate {
			applied, err := repo.Migrate(ctx)
			if err != nil {
				_ = repo.Close()
				return nil, fmt.Errorf("postgres migrations failed: %w", err)
			}
			logger.Info("postgres migrations applied", zap.Int64s("versions", applied))
		}
		logger.Info("using postgres repository")
		return repo, nil
	case config.DriverSQLite:
		repo, err := sqlitestore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite repository init failed: %w", err)
		}
		logger.Info("using sqlite repository", zap.String("path", cfg.DSN))
		return repo, nil
	default:
		logger.Warn("using in-memory repository; state is lost on exit")
		return memorystorage.NewRepository(), nil
	}
}

func (a *App) setupFetching() {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:      a.cfg.Fetch.UserAgent,
		AcceptLanguage: a.cfg.Fetch.AcceptLanguage,
		RespectRobots:  a.cfg.Fetch.RespectRobots,
		Timeout:        a.cfg.Fetch.Timeout,
	})
	a.layer = polite.New(polite.Config{
		PerOriginConcurrency: a.cfg.Fetch.PerOriginConcurrency,
		MinDelay:             a.cfg.Fetch.MinDelay,
		MaxDelay:             a.cfg.Fetch.MaxDelay,
		MaxRPSPerOrigin:      a.cfg.Fetch.MaxRPSPerOrigin,
		CacheTTL:             a.cfg.Fetch.CacheTTL,
		CacheCapacity:        a.cfg.Fetch.CacheCapacity,
		Timeout:              a.cfg.Fetch.Timeout,
	}, transport, a.logger.Named("fetch"))
	a.layer.Start()
	a.logger.Info("fetch layer started",
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
		zap.Int("per_origin_concurrency", a.cfg.Fetch.PerOriginConcurrency),
		zap.Duration("min_delay", a.cfg.Fetch.MinDelay),
		zap.Duration("max_delay", a.cfg.Fetch.MaxDelay),
		zap.Duration("cache_ttl", a.cfg.Fetch.CacheTTL),
	)

	a.classifier = classifier.New(classifier.Options{TrackPartial: a.cfg.Classifier.TrackPartial})
	a.discoverer = discovery.New(discovery.Config{
		BaseURL:         a.cfg.Discovery.BaseURL,
		SearchTemplates: a.cfg.Discovery.SearchTemplates,
		MaxPages:        a.cfg.Discovery.MaxPages,
	}, a.layer, a.logger)
}

func (a *App) setupStorage(ctx context.Context) (monitor.BlobStore, error) {
	if !a.cfg.Storage.Snapshots {
		return nil, nil
	}
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		var err error
		a.gcs, err = gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return a.gcs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory snapshot storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupNotifier(ctx context.Context) (monitor.Notifier, error) {
	if a.cfg.Notify.Transport != config.TransportPubSub {
		a.logger.Info("notifications are written to the log")
		return notify.NewLogNotifier(a.logger), nil
	}
	var err error
	a.publisher, err = gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		Topic:     a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return notify.NewPublisherNotifier(a.publisher, a.cfg.PubSub.TopicName, a.logger), nil
}

// subscriptionSource prefers subscriptions listed in the config file and
// falls back to the repository's subscriptions table.
func (a *App) subscriptionSource() monitor.SubscriptionSource {
	if len(a.cfg.Subscriptions) > 0 {
		a.logger.Info("using configured subscriptions", zap.Int("count", len(a.cfg.Subscriptions)))
		return a.cfg
	}
	return a.repo
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Engine returns the cycle engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Repository returns the persistence backend.
func (a *App) Repository() store.Repository { return a.repo }

// Fetcher returns the rate-limited fetch layer.
func (a *App) Fetcher() monitor.Fetcher { return a.layer }

// Classifier returns the page classifier.
func (a *App) Classifier() *classifier.Classifier { return a.classifier }

// Discoverer returns the search result walker.
func (a *App) Discoverer() monitor.Discoverer { return a.discoverer }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the ops API, runs a cycle every scan.interval when set, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.scanLoop(ctx)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("scan loop did not stop before the shutdown deadline")
	}

	a.Close(shutdownCtx)
	return nil
}

func (a *App) scanLoop(ctx context.Context) {
	interval := a.cfg.Scan.Interval
	if interval <= 0 {
		a.logger.Info("periodic scanning disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.runScheduledCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) runScheduledCycle(ctx context.Context) {
	summary, err := a.engine.RunCycle(ctx, "")
	switch {
	case errors.Is(err, engine.ErrCycleInProgress):
		a.logger.Info("scheduled cycle skipped; another cycle is running")
	case err != nil:
		a.logger.Warn("scheduled cycle failed", zap.String("cycle_id", summary.CycleID), zap.Error(err))
	}
}

// Close releases everything Build acquired. It is safe to call more than
// once and on a partially built App.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.layer != nil {
		a.layer.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("repository close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
