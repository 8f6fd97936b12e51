// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-listings-ingest/internal/api"
	"github.com/JakeFAU/realtime-listings-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-listings-ingest/internal/config"
	"github.com/JakeFAU/realtime-listings-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-listings-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/logging"
	"github.com/JakeFAU/realtime-listings-ingest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/realtime-listings-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-listings-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-listings-ingest/internal/scrape"
	"github.com/JakeFAU/realtime-listings-ingest/internal/scrape/apify"
	gcsstorage "github.com/JakeFAU/realtime-listings-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-listings-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-listings-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-listings-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/realtime-listings-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/realtime-listings-ingest/internal/telemetry"
	"github.com/JakeFAU/realtime-listings-ingest/internal/textclean"
)

type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	pipeline       *ingest.Pipeline
	postStore      listing.PostStore
	blobStore      listing.BlobStore
	publisher      listing.Publisher
	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	c    closer
}

// Build creates the application's dependencies. On failure everything opened
// so far is closed again.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	zap.ReplaceGlobals(logger)
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		logging.Secret("apify_token", cfg.Apify.Token),
	)

	if cfg.Telemetry.Enabled {
		tp, tErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version, cfg.Telemetry.SampleRatio)
		if tErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tErr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err = setupPostStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupBlobStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}

	runner := setupRunner(app)
	app.pipeline = ingest.New(
		app.postStore,
		runner,
		textclean.New(cfg.Ingest.KeepPunctuation),
		system.New(),
		app.blobStore,
		app.publisher,
		uuid.New(),
		ingestConfig(cfg, app.publisher != nil),
		logging.Named(logger, "ingest"),
	)

	var ready api.Pinger
	if p, ok := app.postStore.(api.Pinger); ok {
		ready = p
	}
	app.apiServer = api.NewServer(app.pipeline, *cfg, ready, logging.Named(logger, "api"))
	return app, nil
}

// Pipeline exposes the ingest pipeline for one-shot commands.
func (a *App) Pipeline() *ingest.Pipeline {
	return a.pipeline
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is canceled, then shuts down and closes the app.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("serve http: %w", err)
		}
	}

	grace := time.Duration(a.cfg.Server.ShutdownSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases stores, clients, and telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) track(name string, c closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

func setupPostStore(ctx context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewPostStore(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			Table:           cfg.Database.Table,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime(),
			PageSize:        cfg.Storage.PageSize,
			AutoMigrate:     cfg.Database.AutoMigrate,
		})
		if err != nil {
			return fmt.Errorf("postgres post store init failed: %w", err)
		}
		app.postStore = store
		app.logger.Info("using postgres post store",
			zap.String("table", cfg.Database.Table),
			zap.Bool("auto_migrate", cfg.Database.AutoMigrate),
		)
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:     cfg.SQLite.Path,
			PageSize: cfg.Storage.PageSize,
		})
		if err != nil {
			return fmt.Errorf("sqlite post store init failed: %w", err)
		}
		app.postStore = store
		app.logger.Info("using sqlite post store", zap.String("path", cfg.SQLite.Path))
	default:
		app.postStore = memorystorage.NewPostStore(cfg.Storage.PageSize)
		app.logger.Warn("using in-memory post store; posts are lost on restart")
	}
	app.track("post_store", app.postStore)
	return nil
}

func setupBlobStore(ctx context.Context, app *App) error {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       cfg.Bucket,
			VerifyBucket: cfg.VerifyBucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobStore = store
		app.track("gcs", store)
		app.logger.Info("archiving to GCS", zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix))
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobStore = store
		app.logger.Info("archiving to local disk", zap.String("path", cfg.BaseDir))
	case config.BackendMemory:
		app.blobStore = memorystorage.NewBlobStore()
		app.logger.Info("archiving in memory")
	default:
		app.logger.Info("archiving disabled")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	switch cfg.Backend {
	case config.BackendGCP:
		client, err := gcppublisher.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client)
		app.publisher = pub
		app.track("pubsub", pub)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
	case config.BackendMemory:
		app.publisher = memorypublisher.New()
		app.logger.Info("using in-memory publisher", zap.String("topic", cfg.Topic))
	default:
		app.logger.Info("ingest notifications disabled")
	}
	return nil
}

func setupRunner(app *App) *scrape.Poller {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Apify.RateLimitRPS,
		Burst: cfg.Apify.RateLimitBurst,
	})
	client := apify.New(apify.Config{
		BaseURL: cfg.Apify.BaseURL,
		Token:   cfg.Apify.Token,
		ActorID: cfg.Apify.ActorID,
		Timeout: cfg.ProviderTimeout(),
	},
		apify.WithLimiter(limiter),
		apify.WithLogger(logging.Named(app.logger, "apify")),
	)
	if cfg.Apify.Token == "" {
		app.logger.Warn("apify token not configured; scrape requests will fail until it is set")
	}
	return scrape.NewPoller(client, scrape.Config{
		Interval: cfg.PollInterval(),
		Budget:   cfg.PollBudget(),
	}, logging.Named(app.logger, "poller"))
}

func ingestConfig(cfg *config.Config, publish bool) ingest.Config {
	out := ingest.Config{
		BatchSize:      cfg.Ingest.BatchSize,
		ReprocessPage:  cfg.Ingest.ReprocessPage,
		ArchivePrefix:  cfg.Archive.Prefix,
		ArchiveRaw:     cfg.Archive.Raw,
		ArchiveExports: cfg.Archive.Exports,
	}
	if publish {
		out.Topic = cfg.PubSub.Topic
	}
	return out
}
