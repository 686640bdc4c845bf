// Package server wires the coordination service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapefleet/internal/api"
	"github.com/JakeFAU/scrapefleet/internal/assignment"
	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/config"
	"github.com/JakeFAU/scrapefleet/internal/discovery"
	"github.com/JakeFAU/scrapefleet/internal/fleet"
	collysource "github.com/JakeFAU/scrapefleet/internal/geosource/colly"
	"github.com/JakeFAU/scrapefleet/internal/geosource/static"
	"github.com/JakeFAU/scrapefleet/internal/hash/sha256"
	"github.com/JakeFAU/scrapefleet/internal/id/uuid"
	"github.com/JakeFAU/scrapefleet/internal/lifecycle"
	"github.com/JakeFAU/scrapefleet/internal/logging"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/notify"
	"github.com/JakeFAU/scrapefleet/internal/notify/sinks"
	"github.com/JakeFAU/scrapefleet/internal/reaper"
	"github.com/JakeFAU/scrapefleet/internal/registry"
	gcsstorage "github.com/JakeFAU/scrapefleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrapefleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrapefleet/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapefleet/internal/storage/postgres"
	"github.com/JakeFAU/scrapefleet/internal/store"
	"github.com/JakeFAU/scrapefleet/internal/telemetry"
)

// App contains the service's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	store           store.Store
	apiServer       *api.Server
	reaper          *reaper.Reaper
	hub             *notify.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	webhook         *sinks.WebhookSink
	archive         fleet.BlobStore
	geo             fleet.GeoSource
	tracerProvider  *sdktrace.TracerProvider
}

// NewApp creates an App around cfg and logger.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("geosource_backend", cfg.GeoSource.Backend),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs the reaper until ctx is canceled or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.reaper != nil {
		g.Go(func() error {
			return a.reaper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases everything Build opened. Pending notifications are flushed
// before the clients they depend on are closed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
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
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console logger returns EINVAL for stderr; nothing to do about it.
	_ = a.logger.Sync()
}

// Build creates the service's dependencies from cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := NewApp(cfg, logger)
	metrics.Init()

	ok := false
	defer func() {
		if !ok {
			if app.hub != nil {
				_ = app.hub.Close(context.WithoutCancel(ctx))
			}
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies")
	var err error
	if cfg.Tracing.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.Tracing.Version,
			SampleRatio: cfg.Tracing.SampleRatio,
			Exporter:    cfg.Tracing.Exporter,
			ProjectID:   cfg.Tracing.ProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}
	if app.store, err = OpenStore(ctx, cfg.DB, logger); err != nil {
		return nil, err
	}
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupGeoSource(app); err != nil {
		return nil, err
	}
	notifier, err := setupNotifier(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	controller := lifecycle.NewController(app.store, clock, notifier, lifecycle.Options{
		Archive:       app.archive,
		Hasher:        sha256.New(),
		ArchivePrefix: cfg.Storage.Prefix,
	}, logger.Named("lifecycle"))

	deps := api.Deps{
		Store:     app.store,
		Assigner:  assignment.NewEngine(app.store, clock, assignment.Config{MaxClaimAttempts: cfg.Assignment.MaxClaimAttempts}, logger.Named("assignment")),
		Lifecycle: controller,
		Discovery: discovery.NewPipeline(app.store, app.geo, clock, logger.Named("discovery")),
		Registry:  registry.New(app.store, clock, uuid.New(), logger.Named("registry")),
	}
	if app.webhook != nil {
		deps.Notifier = app.webhook
	}
	app.apiServer = api.NewServer(deps, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		RetryAfter:     cfg.Server.RetryAfter,
		StaleThreshold: cfg.Lifecycle.StaleThreshold,
	}, logger.Named("api"))

	if cfg.Reaper.Enabled {
		app.reaper, err = reaper.New(controller, reaper.Config{
			Schedule:  cfg.Reaper.Schedule,
			Threshold: cfg.Reaper.Threshold,
		}, logger.Named("reaper"))
		if err != nil {
			return nil, fmt.Errorf("reaper init failed: %w", err)
		}
	}

	ok = true
	return app, nil
}

// OpenStore returns the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func OpenStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.DSN == "" {
		logger.Warn("no database DSN configured, using in-memory store")
		return memorystorage.NewStore(), nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
		logger.Info("database schema applied")
	}
	logger.Info("postgres store initialized", zap.Int32("max_conns", cfg.MaxConns))
	return pg, nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS archive backend", zap.String("bucket", app.cfg.Storage.Bucket))
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.archive, err = gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		app.logger.Info("using local archive backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		app.archive, err = localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.StorageNone:
		app.logger.Info("payload archiving disabled")
	default:
		app.logger.Info("using in-memory archive backend")
		app.archive = memorystorage.NewBlobStore()
	}
	return nil
}

func setupGeoSource(app *App) error {
	if app.cfg.GeoSource.Backend == config.GeoHTTP {
		src, err := collysource.New(collysource.Config{
			BaseURL:   app.cfg.GeoSource.BaseURL,
			UserAgent: app.cfg.GeoSource.UserAgent,
			Timeout:   app.cfg.GeoSource.Timeout,
		})
		if err != nil {
			return fmt.Errorf("geosource init failed: %w", err)
		}
		app.logger.Info("using HTTP geography source", zap.String("base_url", app.cfg.GeoSource.BaseURL))
		app.geo = src
		return nil
	}
	app.logger.Info("using static geography source", zap.Int("countries", len(app.cfg.GeoSource.Static)))
	app.geo = static.New(app.cfg.GeoSource.Static)
	return nil
}

// setupNotifier builds the hub and its sinks. It returns a nil notifier when
// no sink is enabled.
func setupNotifier(ctx context.Context, app *App) (fleet.Notifier, error) {
	ncfg := app.cfg.Notifier
	var sinkList []notify.Sink

	if ncfg.WebhookURL != "" {
		webhook, err := sinks.NewWebhookSink(sinks.WebhookConfig{
			URL:         ncfg.WebhookURL,
			TestURL:     ncfg.TestWebhookURL,
			Timeout:     ncfg.Timeout,
			MaxAttempts: ncfg.MaxRetries + 1,
			UserAgent:   "scrapefleet",
		}, nil, app.logger.Named("notify_webhook"))
		if err != nil {
			return nil, fmt.Errorf("webhook sink init failed: %w", err)
		}
		app.webhook = webhook
		sinkList = append(sinkList, webhook)
		app.logger.Debug("added webhook sink", zap.String("url", ncfg.WebhookURL))
	}
	if app.cfg.PubSub.Enabled() {
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
		sink, err := sinks.NewPubSubSink(app.pubsubPublisher)
		if err != nil {
			return nil, fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
	}
	if ncfg.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("notify_log")))
	}
	if ncfg.PrometheusEnabled {
		sink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		app.logger.Warn("no notifier sinks configured, outcomes will not be delivered")
		return nil, nil
	}

	hubCfg := notify.Config{
		BufferSize:     ncfg.BufferSize,
		MaxBatchEvents: ncfg.MaxBatchEvents,
		MaxBatchWait:   ncfg.MaxBatchWait,
		SinkTimeout:    ncfg.SinkTimeout,
		EnqueueTimeout: ncfg.EnqueueTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Clock:          system.New(),
		IDs:            uuid.New(),
		Logger:         app.logger.Named("notify_hub"),
	}
	app.hub = notify.NewHub(hubCfg, sinkList...)
	app.logger.Info("notify hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.hub, nil
}
