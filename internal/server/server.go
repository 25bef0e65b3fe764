// Package server builds the application graph from configuration and runs
// it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/api"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/analysis"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/batch"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/config"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/bulk-crawl-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/optimizer"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/retry"
	gcsstorage "github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/worker"
)

const tracerName = "github.com/JakeFAU/bulk-crawl-orchestrator"

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger skips logger construction from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the progress sink and otel bridge on reg instead
// of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	controller  *optimizer.Controller
	reconciler  *batch.Reconciler
	progressHub *progress.Hub
	batches     *batch.Service
	validator   *normalize.Validator

	jobStore     crawler.JobStore
	pgStore      *pgstore.Store
	gcsStore     *gcsstorage.BlobStore
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	redisClient  *redis.Client
	telemetry    *telemetry.Providers
}

// Build creates the application's dependencies. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	var err error
	app.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, telemetry.WithRegisterer(o.registerer))
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	metrics.Init()

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	fetcher := app.setupFetcher()

	app.validator = normalize.NewValidator(net.DefaultResolver, normalize.Config{
		DNSBatchSize:     cfg.Normalizer.DNSBatchSize,
		DNSBatchDelay:    cfg.Normalizer.DNSBatchDelay,
		DNSSkipThreshold: cfg.Normalizer.DNSSkipThreshold,
		MaxURLs:          cfg.Normalizer.MaxURLs,
		LookupTimeout:    cfg.Normalizer.LookupTimeout,
	}, logger.Named("normalizer"))
	app.batches = batch.NewService(app.jobStore, app.validator, app.progressHub, clock, logger.Named("batch"))

	var (
		budget   dispatcher.Budget = dispatcher.FixedBudget(cfg.Controller.FixedConcurrency)
		recorder worker.Recorder
		optView  api.OptimizerView
	)
	if cfg.Controller.Enabled {
		app.controller = app.setupController(fetcher)
		budget, recorder, optView = app.controller, app.controller, app.controller
	} else {
		logger.Info("adaptive concurrency disabled", zap.Int("fixed_concurrency", cfg.Controller.FixedConcurrency))
	}

	w := worker.New(worker.Deps{
		Store:    app.jobStore,
		Fetcher:  fetcher,
		Analyzer: analysis.NewHTMLAnalyzer(),
		Scorer:   analysis.NewHealthScorer(),
		Retry: retry.NewScheduler(app.jobStore, clock, retry.Config{
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		}, logger.Named("retry")),
		Clock:    clock,
		Blobs:    blobs,
		Hasher:   sha256.New(),
		IDs:      ids,
		Recorder: recorder,
		Progress: app.batches,
		Emitter:  app.progressHub,
		Tracer:   otel.Tracer(tracerName),
	}, worker.Config{
		BaseTimeout:   cfg.Fetcher.BaseTimeout,
		MaxTimeout:    cfg.Fetcher.MaxTimeout,
		ContentType:   cfg.Storage.ContentType,
		BlobPrefix:    cfg.Storage.Prefix,
		SkipSecondary: !cfg.Fetcher.Secondary,
	}, logger.Named("worker"))

	app.dispatch = dispatcher.New(app.jobStore, w, budget, clock, dispatcher.Config{
		TickInterval:    cfg.Dispatcher.TickInterval,
		ShutdownTimeout: cfg.Dispatcher.ShutdownTimeout,
	}, logger.Named("dispatcher"))
	app.reconciler = batch.NewReconciler(app.batches, app.dispatch, cfg.Dispatcher.StaleAfter, cfg.Dispatcher.ReconcileInterval, logger.Named("reconciler"))

	app.apiServer = api.NewServer(api.Deps{
		Batches:   app.batches,
		Store:     app.jobStore,
		Validator: app.validator,
		Optimizer: optView,
		IDs:       ids,
		Ready:     app.readyChecks(),
	}, api.Config{
		Auth:           cfg.Auth,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger.Named("api"))

	ok = true
	return app, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts background loops and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	if a.controller != nil {
		if err := a.controller.Start(ctx); err != nil {
			return fmt.Errorf("start concurrency controller: %w", err)
		}
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout+a.cfg.Dispatcher.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.dispatch.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("dispatcher shutdown error", zap.Error(err))
	}
	<-dispatchDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops schedules and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.controller != nil {
		if err := a.controller.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.reconciler != nil {
		if err := a.reconciler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.Driver != config.BackendPostgres {
		a.logger.Info("using in-memory job store; state is lost on restart")
		a.jobStore = memorystorage.NewJobStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.jobStore = store
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	a.logger.Info("postgres job store initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.cfg.PubSub.Enabled {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubTopic = a.pubsubClient.Topic(a.cfg.PubSub.TopicName)
		sinkList = append(sinkList, progresssinks.NewPubSubSink(a.pubsubTopic))
		a.logger.Info("Pub/Sub progress sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	if a.cfg.Redis.Enabled {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewRedisSink(a.redisClient, a.cfg.Redis.Channel))
		a.logger.Info("redis progress sink initialized", zap.String("channel", a.cfg.Redis.Channel))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupFetcher() *collyfetcher.Fetcher {
	opts := []collyfetcher.Option{collyfetcher.WithLogger(a.logger.Named("fetcher"))}
	if a.cfg.RateLimit.Enabled {
		opts = append(opts, collyfetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
			Burst:             a.cfg.RateLimit.Burst,
		})))
		a.logger.Info("per-host rate limiter enabled",
			zap.Float64("requests_per_second", a.cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Fetcher.UserAgent,
		MaxRedirects: a.cfg.Fetcher.MaxRedirects,
		MaxBodyBytes: a.cfg.Fetcher.MaxBodyBytes,
		Timeout:      a.cfg.Fetcher.MaxTimeout,
	}, opts...)
}

func (a *App) setupController(fetcher crawler.Fetcher) *optimizer.Controller {
	cc := a.cfg.Controller
	var (
		sampler  optimizer.Sampler
		totalMem uint64
	)
	proc, err := a.procSampler()
	if err != nil {
		a.logger.Warn("host load sampling unavailable; controller will rely on response times", zap.Error(err))
	} else {
		sampler = proc
		if totalMem, err = proc.TotalMemory(); err != nil {
			a.logger.Warn("total memory unavailable", zap.Error(err))
		}
	}

	var prober optimizer.Prober
	if len(cc.ProbeURLs) > 0 {
		prober = optimizer.NewFetchProber(fetcher, cc.ProbeURLs, cc.ProbeTimeout)
	}
	return optimizer.NewController(optimizer.Config{
		MinConcurrency:     cc.MinConcurrency,
		MaxConcurrency:     cc.MaxConcurrency,
		TargetResponseTime: cc.TargetResponseTime,
		AdjustInterval:     cc.AdjustInterval,
		ProbeInterval:      cc.ProbeInterval,
	}, optimizer.HostInfo(totalMem), sampler, prober, a.progressHub, a.logger.Named("controller"))
}

func (a *App) procSampler() (*optimizer.ProcSampler, error) {
	if a.cfg.Controller.ProcPath != "" {
		return optimizer.NewProcSamplerAt(a.cfg.Controller.ProcPath, runtime.NumCPU())
	}
	return optimizer.NewProcSampler()
}

func (a *App) readyChecks() []api.ReadyCheck {
	var checks []api.ReadyCheck
	if a.pgStore != nil {
		checks = append(checks, api.ReadyCheck{Name: "postgres", Check: a.pgStore.Ping})
	}
	if a.redisClient != nil {
		checks = append(checks, api.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		}})
	}
	return checks
}
