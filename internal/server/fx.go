// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/clock/system"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/dispatcher"
	"github.com/JakeFAU/sitemirror/internal/downloader"
	collyfetcher "github.com/JakeFAU/sitemirror/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sitemirror/internal/fetcher/headless"
	"github.com/JakeFAU/sitemirror/internal/hash/sha256"
	"github.com/JakeFAU/sitemirror/internal/id/uuid"
	"github.com/JakeFAU/sitemirror/internal/logging"
	"github.com/JakeFAU/sitemirror/internal/pipeline"
	"github.com/JakeFAU/sitemirror/internal/policy/blocklist"
	"github.com/JakeFAU/sitemirror/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemirror/internal/policy/simple"
	"github.com/JakeFAU/sitemirror/internal/progress"
	progresssinks "github.com/JakeFAU/sitemirror/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/sitemirror/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitemirror/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/sitemirror/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitemirror/internal/storage/local"
	pgstore "github.com/JakeFAU/sitemirror/internal/storage/postgres"
	"github.com/JakeFAU/sitemirror/internal/store"
	"github.com/JakeFAU/sitemirror/internal/telemetry"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

// Version is stamped into traces; release builds override it via -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	library         *localstorage.Library
	pipeline        *pipeline.Pipeline
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	runs            store.RunReader
	queue           *queueMemory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	pgPool          *pgxpool.Pool
	manifestStore   *pgstore.ManifestStore
	runStore        *pgstore.RunStore
	tracerProvider  *sdktrace.TracerProvider
	closeOnce       sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("output_dir", cfg.Capture.OutputDir),
		zap.String("render_engine", cfg.Render.Engine),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
		zap.Bool("archive_bucket", cfg.Storage.ArchiveBucket != ""),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Library returns the local capture library.
func (a *App) Library() *localstorage.Library {
	return a.library
}

// Capture runs one capture synchronously, outside the queue.
func (a *App) Capture(ctx context.Context, rawURL string) (pipeline.Result, error) {
	if a.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline not built")
	}
	res, err := a.pipeline.Capture(ctx, rawURL)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("capture %s: %w", rawURL, err)
	}
	return res, nil
}

// Run starts the dispatcher and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	return nil
}

// Close releases every resource the app opened. It is safe to call more
// than once; only the first call does any work.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the stores below, so it closes first.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on some terminals (ENOTTY); nothing useful can be done.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := setupTelemetry(ctx, a); err != nil {
		return err
	}

	a.logger.Info("building application dependencies")
	if err := setupLibrary(a); err != nil {
		return err
	}
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	exporters, err := setupExporters(ctx, a)
	if err != nil {
		return err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}
	if err := setupPipeline(a, exporters, emitter); err != nil {
		return err
	}

	a.queue = queueMemory.NewQueue(a.cfg.Capture.QueueDepth)
	a.dispatch = setupDispatcher(a)

	a.apiServer = api.NewServer(api.Deps{
		Queue:   a.dispatch,
		Library: a.library,
		Runs:    a.runs,
		IDs:     uuid.New(),
		Clock:   system.New(),
	}, api.Options{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, a.logger.Named("api"))
	return nil
}

func setupTelemetry(ctx context.Context, app *App) error {
	if !app.cfg.Telemetry.Enabled {
		app.logger.Info("tracing disabled")
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: app.cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: app.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerProvider = tp
	return nil
}

func setupLibrary(app *App) error {
	root, err := app.cfg.OutputRoot()
	if err != nil {
		return err
	}
	app.library, err = localstorage.NewLibrary(localstorage.Config{BaseDir: root})
	if err != nil {
		return fmt.Errorf("capture library init failed: %w", err)
	}
	app.logger.Info("capture library ready", zap.String("root", root))
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, skipping manifest index and run store")
		return nil
	}
	var err error
	app.pgPool, err = pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	app.manifestStore, err = pgstore.NewManifestStore(app.pgPool, app.cfg.DB.ManifestTable)
	if err != nil {
		return fmt.Errorf("manifest store init failed: %w", err)
	}
	app.runStore, err = pgstore.NewRunStore(app.pgPool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized", zap.String("manifest_table", app.cfg.DB.ManifestTable))
	return nil
}

func setupExporters(ctx context.Context, app *App) ([]pipeline.Exporter, error) {
	var exporters []pipeline.Exporter
	if app.manifestStore != nil {
		exporters = append(exporters, pipeline.IndexExporter{Index: app.manifestStore})
	}

	if app.cfg.Storage.ArchiveBucket != "" {
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.ArchiveBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		exporters = append(exporters, pipeline.ArchiveExporter{
			Archiver: app.library,
			Store:    blobs,
			Prefix:   app.cfg.Storage.ArchivePrefix,
		})
		app.logger.Info("archive export enabled",
			zap.String("bucket", app.cfg.Storage.ArchiveBucket),
			zap.String("prefix", app.cfg.Storage.ArchivePrefix),
		)
	}

	if app.cfg.PubSub.TopicName != "" {
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
		app.pubsubPublisher.EnableMessageOrdering = app.cfg.PubSub.Ordered
		exporters = append(exporters, pipeline.NotifyExporter{
			Publisher: gcppublisher.New(app.pubsubPublisher, gcppublisher.Options{
				Attributes: map[string]string{"source": "sitemirror"},
				Ordered:    app.cfg.PubSub.Ordered,
			}),
			Topic: app.cfg.PubSub.TopicName,
		})
		app.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
	}
	return exporters, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runStore, app.logger.Named("progress_store")))
		app.runs = app.runStore
		app.logger.Debug("added progress store sink")
	} else {
		tracker := progresssinks.NewTracker(app.cfg.ProgressRetention())
		sinkList = append(sinkList, tracker)
		app.runs = tracker
		app.logger.Debug("added in-memory progress tracker",
			zap.Duration("retention", app.cfg.ProgressRetention()))
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if app.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added progress prometheus sink")
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupRenderer(app *App) (capture.Renderer, string, error) {
	rc := app.cfg.Render
	static := func() *collyfetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:   rc.UserAgent,
			Timeout:     rc.NavigationTimeout(),
			MaxBodySize: app.cfg.Assets.MaxBodyBytes,
		})
	}
	if rc.Engine == config.EngineStatic {
		app.logger.Info("using static renderer", zap.String("user_agent", rc.UserAgent))
		return static(), config.EngineStatic, nil
	}
	renderer, err := headlessfetcher.New(headlessfetcher.Config{
		MaxParallel:       rc.MaxParallel,
		UserAgent:         rc.UserAgent,
		NavigationTimeout: rc.NavigationTimeout(),
		IdleWindow:        rc.IdleWindow(),
		IdleTimeout:       rc.IdleTimeout(),
		SettleDelay:       rc.SettleDelay(),
		ViewportWidth:     rc.ViewportWidth,
		ViewportHeight:    rc.ViewportHeight,
		ScrollStep:        rc.ScrollStep,
		ScrollInterval:    rc.ScrollInterval(),
		ScrollMax:         rc.ScrollMax,
		Screenshot:        rc.Screenshot,
		ExecPath:          rc.ExecPath,
	})
	if err != nil {
		if !rc.FallbackToStatic {
			return nil, "", fmt.Errorf("headless renderer init failed: %w", err)
		}
		app.logger.Warn("headless renderer init failed, falling back to static", zap.Error(err))
		return static(), config.EngineStatic, nil
	}
	app.logger.Info("using headless renderer", zap.Int("max_parallel", rc.MaxParallel))
	return renderer, config.EngineChromedp, nil
}

func setupPipeline(app *App, exporters []pipeline.Exporter, emitter progress.Emitter) error {
	renderer, rendererName, err := setupRenderer(app)
	if err != nil {
		return err
	}

	assetFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   app.cfg.Render.UserAgent,
		Timeout:     app.cfg.AssetTimeout(),
		MaxBodySize: app.cfg.Assets.MaxBodyBytes,
	})

	var policy downloader.Limiter
	if app.cfg.Assets.PerHostRPS > 0 {
		policy = ratelimit.New(ratelimit.Config{
			PerHostRPS:   app.cfg.Assets.PerHostRPS,
			PerHostBurst: app.cfg.Assets.PerHostBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("per_host_rps", app.cfg.Assets.PerHostRPS),
			zap.Int("per_host_burst", app.cfg.Assets.PerHostBurst),
		)
	} else {
		policy = simple.New()
		app.logger.Info("rate limiter disabled, using simple policy")
	}
	if len(app.cfg.Assets.BlockedHosts) > 0 {
		policy = blocklist.New(app.cfg.Assets.BlockedHosts, policy)
		app.logger.Info("asset host blocklist enabled", zap.Strings("blocked_hosts", app.cfg.Assets.BlockedHosts))
	}

	dl := downloader.New(downloader.Config{
		Workers: app.cfg.Assets.Workers,
		Timeout: app.cfg.AssetTimeout(),
	}, assetFetcher, policy, sha256.New(), app.logger.Named("downloader"))

	app.pipeline, err = pipeline.New(pipeline.Config{
		RendererName:   rendererName,
		ProxyPatterns:  app.cfg.Rewrite.ProxyPatterns,
		HydrationPatch: app.cfg.Rewrite.HydrationPatch,
		ExportTimeout:  time.Duration(app.cfg.Capture.ExportTimeoutSeconds) * time.Second,
	}, pipeline.Deps{
		Renderer:   renderer,
		Downloader: dl,
		Library:    app.library,
		Exporters:  exporters,
		Clock:      system.New(),
		IDs:        uuid.New(),
		Progress:   emitter,
		Logger:     app.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	return nil
}

func setupDispatcher(app *App) *dispatcher.Dispatcher {
	workerCfg := worker.Config{CaptureTimeout: app.cfg.CaptureTimeout()}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Capture.Workers),
		zap.Int("queue_depth", app.cfg.Capture.QueueDepth),
		zap.Duration("capture_timeout", workerCfg.CaptureTimeout),
	)
	workers := make([]*worker.Worker, 0, app.cfg.Capture.Workers)
	for i := 0; i < app.cfg.Capture.Workers; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.pipeline,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers, app.logger.Named("dispatcher"))
}
