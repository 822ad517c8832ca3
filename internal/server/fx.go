// Package server wires the composition HTTP route and its dependencies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/clock/system"
	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/config"
	idgen "github.com/pipeweave/pipeweave/internal/id/uuid"
	"github.com/pipeweave/pipeweave/internal/logging"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/notify"
	memorynotify "github.com/pipeweave/pipeweave/internal/notify/memory"
	pubsubnotify "github.com/pipeweave/pipeweave/internal/notify/pubsub"
	"github.com/pipeweave/pipeweave/internal/telemetry"
	gcssource "github.com/pipeweave/pipeweave/internal/templatesource/gcs"
	localsource "github.com/pipeweave/pipeweave/internal/templatesource/local"
	memorysource "github.com/pipeweave/pipeweave/internal/templatesource/memory"
	pgsource "github.com/pipeweave/pipeweave/internal/templatesource/postgres"
)

// App wires a chi router exposing the composition route alongside
// /healthz, /readyz, and /metrics, matching the shape of the teacher's
// internal/server.App (NewApp/Build/Run/Close) but over a composer.Composer
// instead of a crawl dispatcher.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	router chi.Router

	composer        *composer.Composer
	docCache        *documentCache
	templateSource  composer.TemplateSource
	contextProvider composer.ContextProvider
	tagHandler      composer.TagHandler
	headerFilter    composer.HeaderFilter
	attributeMapper composer.AttributeMapper
	tracer          composer.Tracer

	notifyPublisher notify.Publisher

	clock *system.Clock
	idGen *idgen.Generator

	gcsClient    *storage.Client
	pgSource     *pgsource.Source
	pubsubClient closer

	tracerProvider *sdktrace.TracerProvider
}

type closer interface {
	Close() error
}

// NewApp creates a bare App; Build populates its dependencies.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down with the configured grace period.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.router,
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

	grace := time.Duration(a.cfg.Server.ShutdownGraceSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases every resource Build opened.
func (a *App) Close(ctx context.Context) error {
	if a.pgSource != nil {
		a.pgSource.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Build constructs a fully wired App from cfg: the template source backend,
// the notify.Publisher, the telemetry tracer provider, the composer, and
// the chi router.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	app.clock = system.New()
	app.idGen = idgen.NewUUIDGenerator()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerProvider = tp
	app.tracer = telemetry.NewComposerTracer(tp, "pipeweave/composer")

	metrics.Init()

	publisher, err := setupNotifyPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.notifyPublisher = publisher

	templateSource, err := setupTemplateSource(ctx, app)
	if err != nil {
		return nil, err
	}
	app.templateSource = templateSource
	app.docCache = newDocumentCache()

	pipeDefinition, err := loadPipeDefinition(cfg.Host.PipeDefinitionPath)
	if err != nil {
		return nil, err
	}

	app.composer = composer.New(composer.HostConfig{
		AMDLoaderURL:     cfg.Host.AMDLoaderURL,
		PipeDefinition:   pipeDefinition,
		PipeInstanceName: cfg.Host.PipeInstanceName,
		MaxAssetLinks:    cfg.Host.MaxAssetLinks,
		HandledTags:      cfg.Host.HandledTags,
	})

	app.router = buildRouter(app)
	return app, nil
}

func loadPipeDefinition(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipe definition: %w", err)
	}
	return data, nil
}

func setupNotifyPublisher(ctx context.Context, app *App) (notify.Publisher, error) {
	cfg := app.cfg.PubSub
	if !cfg.Enabled {
		app.logger.Info("pub/sub invalidation disabled, using in-memory notify publisher")
		return memorynotify.New(), nil
	}
	client, publisher, err := pubsubnotify.Open(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsubClient = client
	app.logger.Info("pub/sub invalidation publisher initialized",
		zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicName))
	return publisher, nil
}

func setupTemplateSource(ctx context.Context, app *App) (composer.TemplateSource, error) {
	cfg := app.cfg.TemplateSource
	switch cfg.Backend {
	case "local":
		app.logger.Info("using local filesystem template source", zap.String("dir", cfg.LocalDir))
		return localsource.New(localsource.Config{BaseDir: cfg.LocalDir}, app.notifyPublisher)
	case "gcs":
		app.logger.Info("using GCS template source", zap.String("bucket", app.cfg.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		return gcssource.New(client, gcssource.Config{
			Bucket: app.cfg.GCS.Bucket,
			Prefix: app.cfg.GCS.Prefix,
		}, app.notifyPublisher)
	case "postgres":
		app.logger.Info("using postgres template source")
		src, err := pgsource.New(ctx, pgsource.Config{DSN: app.cfg.DB.DSN}, app.notifyPublisher)
		if err != nil {
			return nil, fmt.Errorf("postgres template source init failed: %w", err)
		}
		app.pgSource = src
		return src, nil
	default:
		app.logger.Info("using in-memory template source")
		return memorysource.New(app.notifyPublisher), nil
	}
}

func buildRouter(a *App) chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(a.idGen))
	r.Use(loggingMiddleware(a.logger, a.clock))
	r.Use(recoverMiddleware(a.logger))
	r.Use(metricsMiddleware)

	healthChain := timeoutMiddleware(5 * time.Second)
	r.With(healthChain).Get("/healthz", a.healthz)
	r.With(healthChain).Get("/readyz", a.readyz)
	r.Handle("/metrics", metrics.Handler())

	// No timeout middleware on the composition route: composer.Render
	// streams fragments as they arrive, and http.TimeoutHandler buffers
	// writes until the handler returns, which would defeat that.
	r.Get("/*", a.composeHandler)

	return r
}
