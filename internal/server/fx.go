// Package server builds the coordinator's dependency graph and runs it.
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
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/api"
	rediscache "github.com/JakeFAU/scraper-fleet/internal/cache/redis"
	"github.com/JakeFAU/scraper-fleet/internal/clock/system"
	"github.com/JakeFAU/scraper-fleet/internal/config"
	"github.com/JakeFAU/scraper-fleet/internal/dispatcher"
	"github.com/JakeFAU/scraper-fleet/internal/events"
	eventsinks "github.com/JakeFAU/scraper-fleet/internal/events/sinks"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/gateway"
	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
	"github.com/JakeFAU/scraper-fleet/internal/logging"
	"github.com/JakeFAU/scraper-fleet/internal/monitor"
	"github.com/JakeFAU/scraper-fleet/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/scraper-fleet/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scraper-fleet/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/scraper-fleet/internal/queue/memory"
	"github.com/JakeFAU/scraper-fleet/internal/registry"
	gcsstorage "github.com/JakeFAU/scraper-fleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scraper-fleet/internal/storage/local"
	memoryStorage "github.com/JakeFAU/scraper-fleet/internal/storage/memory"
	pgstore "github.com/JakeFAU/scraper-fleet/internal/storage/postgres"
	"github.com/JakeFAU/scraper-fleet/internal/tasks"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
	"github.com/JakeFAU/scraper-fleet/internal/token"
)

// App contains the application's dependencies.
type App struct {
	cfg              *config.Config
	logger           *zap.Logger
	registerer       prometheus.Registerer
	apiServer        *api.Server
	gateway          *gateway.Gateway
	dispatch         *dispatcher.Dispatcher
	monitor          *monitor.Monitor
	hub              *events.Hub
	queue            *queueMemory.Queue
	pool             *pgxpool.Pool
	tokenCache       *rediscache.TokenCache
	pubsubClient     *pubsub.Client
	eventPublisher   *pubsub.Publisher
	productPublisher *pubsub.Publisher
	storage          *storage.Client
	checks           map[string]api.Pinger
	tracerShutdown   func(context.Context) error
}

// Option adjusts Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer sets where the event sink registers its collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Handler returns the HTTP handler serving the admin API and worker channel.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the background loops and the HTTP server, and blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		a.logger.Info("heartbeat monitor started")
		a.monitor.Run(ctx)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.gateway.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	a.queue.Close()
	loops.Wait()

	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients and flushes observability.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.eventPublisher != nil {
		a.eventPublisher.Stop()
	}
	if a.productPublisher != nil {
		a.productPublisher.Stop()
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
	if a.tokenCache != nil {
		if err := a.tokenCache.Close(); err != nil {
			a.logger.Warn("token cache close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, checks: map[string]api.Pinger{}}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		zap.ReplaceGlobals(logger)
	}
	if app.registerer == nil {
		app.registerer = prometheus.DefaultRegisterer
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()
	ids := uuid.New()

	workerStore, taskStore, err := setupStores(ctx, a)
	if err != nil {
		return err
	}
	cache, err := setupTokenCache(ctx, a)
	if err != nil {
		return err
	}
	eventPublisher, productPublisher, err := setupPublishers(ctx, a)
	if err != nil {
		return err
	}
	a.hub, err = setupEvents(ctx, a, eventPublisher)
	if err != nil {
		return err
	}
	archive, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}

	taskSvc, err := tasks.New(tasks.Options{
		Store:              taskStore,
		IDs:                ids,
		Clock:              clock,
		DefaultMaxAttempts: a.cfg.Fleet.DefaultMaxAttempts,
		Events:             a.hub,
		Publisher:          productPublisher,
		ProductTopic:       a.cfg.PubSub.ProductTopic,
		Logger:             a.logger.Named("tasks"),
	})
	if err != nil {
		return fmt.Errorf("task service init failed: %w", err)
	}
	regOpts := registry.Options{
		Store:       workerStore,
		Tokens:      token.New(token.DefaultBytes),
		IDs:         ids,
		Clock:       clock,
		Orphans:     taskSvc,
		Events:      a.hub,
		Logger:      a.logger.Named("registry"),
		AssignGrace: a.cfg.Fleet.HeartbeatInterval,
	}
	if cache != nil {
		regOpts.Cache = cache
	}
	workers, err := registry.New(regOpts)
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}

	a.gateway, err = gateway.New(gateway.Options{
		Registry: workers,
		Tasks:    taskSvc,
		Archive:  archive,
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Fleet.EventRate,
			Burst: a.cfg.Fleet.EventBurst,
		}),
		Clock: clock,
		Config: gateway.Config{
			HeartbeatInterval: a.cfg.Fleet.HeartbeatInterval,
			TaskTimeout:       a.cfg.Fleet.TaskTimeout,
			SendBuffer:        a.cfg.Fleet.SendBuffer,
			ArchivePrefix:     a.cfg.Archive.Prefix,
		},
		Logger: a.logger.Named("gateway"),
	})
	if err != nil {
		return fmt.Errorf("gateway init failed: %w", err)
	}

	a.queue = queueMemory.NewQueue(a.cfg.Fleet.DispatchQueueDepth)
	a.dispatch = dispatcher.New(taskSvc, workers, a.gateway, a.queue,
		dispatcher.Config{Interval: a.cfg.Fleet.DispatchInterval},
		a.logger.Named("dispatcher"),
	)
	a.gateway.SetDispatch(a.dispatch)

	a.monitor, err = monitor.New(workers, taskSvc, clock, monitor.Config{
		Interval: a.cfg.Fleet.SweepInterval,
		Timeout:  a.cfg.Fleet.HeartbeatTimeout,
	}, a.logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("monitor init failed: %w", err)
	}

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer, err = api.NewServer(api.Options{
		Workers:  workers,
		Tasks:    taskSvc,
		Sessions: a.gateway,
		Dispatch: a.dispatch,
		Gateway:  a.gateway,
		Checks:   a.checks,
		APIKey:   apiKey,
		Logger:   a.logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	return nil
}

func setupStores(ctx context.Context, app *App) (fleet.WorkerStore, fleet.TaskStore, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory stores")
		return memoryStorage.NewWorkerStore(), memoryStorage.NewTaskStore(), nil
	}
	pool, err := openPool(ctx, app.cfg)
	if err != nil {
		return nil, nil, err
	}
	app.pool = pool
	workerStore, err := pgstore.NewWorkerStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("worker store init failed: %w", err)
	}
	taskStore, err := pgstore.NewTaskStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("task store init failed: %w", err)
	}
	app.checks["postgres"] = taskStore
	app.logger.Info("postgres stores initialized",
		zap.Int32("max_conns", app.cfg.Database.MaxConns),
		zap.Int32("min_conns", app.cfg.Database.MinConns),
	)
	return workerStore, taskStore, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgstore.OpenPool(ctx, pgstore.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	return pool, nil
}

func setupTokenCache(ctx context.Context, app *App) (*rediscache.TokenCache, error) {
	if app.cfg.Redis.Addr == "" {
		app.logger.Info("no redis address configured, token cache disabled")
		return nil, nil
	}
	cache, err := rediscache.New(app.cfg.Redis.Addr, app.cfg.Redis.Password, app.cfg.Redis.DB, app.cfg.Redis.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("token cache init failed: %w", err)
	}
	if err := cache.Ping(ctx); err != nil {
		app.logger.Warn("token cache unreachable at startup", zap.Error(err))
	}
	app.tokenCache = cache
	app.checks["redis"] = cache
	app.logger.Info("redis token cache initialized",
		zap.String("addr", app.cfg.Redis.Addr),
		zap.Duration("ttl", app.cfg.Redis.TokenTTL),
	)
	return cache, nil
}

func setupPublishers(ctx context.Context, app *App) (fleet.Publisher, fleet.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		mem := memorypublisher.New()
		return mem, mem, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.eventPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.productPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.ProductTopic)
	app.logger.Info("Pub/Sub publishers initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("event_topic", app.cfg.PubSub.TopicName),
		zap.String("product_topic", app.cfg.PubSub.ProductTopic),
	)
	return gcppublisher.New(app.eventPublisher), gcppublisher.New(app.productPublisher), nil
}

func setupEvents(ctx context.Context, app *App, publisher fleet.Publisher) (*events.Hub, error) {
	cfg := app.cfg.Events
	var sinkList []events.Sink
	if cfg.LogEnabled {
		sinkList = append(sinkList, eventsinks.NewLogSink(app.logger.Named("events_log")))
		app.logger.Debug("added event log sink")
	}
	if cfg.MetricsEnabled {
		promSink, err := eventsinks.NewPrometheusSink(app.registerer)
		if err != nil {
			return nil, fmt.Errorf("event metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added event metrics sink")
	}
	if cfg.PublishEnabled && app.cfg.PubSub.TopicName != "" {
		pubSink, err := eventsinks.NewPublishSink(publisher, app.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("event publish sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		app.logger.Debug("added event publish sink", zap.String("topic", app.cfg.PubSub.TopicName))
	}
	hubCfg := events.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait(),
		SinkTimeout:    cfg.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("event_hub"),
	}
	hub := events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func setupArchive(ctx context.Context, app *App) (fleet.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case config.ArchiveGCS:
		app.logger.Info("using GCS archive backend", zap.String("bucket", app.cfg.Archive.Bucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.ArchiveLocal:
		app.logger.Info("using local archive backend", zap.String("path", app.cfg.Archive.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		app.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

// Migrate applies the Postgres schema named by cfg.Database.DSN.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
