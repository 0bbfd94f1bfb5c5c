package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/config"
	"github.com/stanstork/fitsync/internal/handlers"
	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/middleware"
	"github.com/stanstork/fitsync/internal/migration"
	"github.com/stanstork/fitsync/internal/notification"
	"github.com/stanstork/fitsync/internal/planner"
	"github.com/stanstork/fitsync/internal/provider"
	"github.com/stanstork/fitsync/internal/repository"
	"github.com/stanstork/fitsync/internal/routes"
	"github.com/stanstork/fitsync/internal/scheduler"
	"github.com/stanstork/fitsync/internal/service"
	"github.com/stanstork/fitsync/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	notifications notification.Service
	worker        *worker.Worker
	syncService   *service.SyncService
	scheduler     *scheduler.Scheduler
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	if err := migration.Up(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &application{
		config:  cfg,
		db:      db,
		logger:  logger,
		metrics: metrics.New(registry),
	}
	app.initSync()

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler)

	logger.Info().Msg("Application terminated.")
}

// initSync builds the notification service, provider client, worker, sync
// controller, and nightly scheduler.
func (app *application) initSync() {
	cfg := app.config

	// Initialize notification service.
	var notifiers []notification.Notifier
	if cfg.Email.SMTPHost != "" {
		emailNotifier, err := notification.NewEmailNotifier(cfg.Email, app.logger)
		if err != nil {
			app.logger.Fatal().Err(err).Msg("failed to configure email notifier")
		}
		notifiers = append(notifiers, emailNotifier)
	}
	app.notifications = notification.NewService(repository.NewNotificationRepository(app.db), app.logger, notifiers...)

	jobRepo := repository.NewSyncJobRepository(app.db)
	linkRepo := repository.NewProviderLinkRepository(app.db)
	chunkPlanner := planner.New(cfg.Sync.MaxChunks)

	providerClient := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		ClientID:          cfg.Provider.ClientID,
		ClientSecret:      cfg.Provider.ClientSecret,
		TokenURL:          cfg.Provider.TokenURL,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		Timeout:           cfg.Provider.Timeout,
	}, linkRepo, app.metrics, app.logger)

	app.worker = worker.NewWorker(worker.WorkerConfig{
		Jobs:              jobRepo,
		Watermarks:        linkRepo,
		Sink:              repository.NewHealthDataRepository(app.db),
		Fetcher:           providerClient,
		Notifier:          app.notifications,
		Planner:           chunkPlanner,
		Metrics:           app.metrics,
		Logger:            app.logger,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		PollInterval:      cfg.Worker.PollInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
		ChunkTimeout:      cfg.Worker.ChunkTimeout,
		ChunkDelay:        cfg.Worker.ChunkDelay,
	})

	app.syncService = service.NewSyncService(service.SyncServiceConfig{
		Jobs:                     jobRepo,
		Watermarks:               linkRepo,
		Runner:                   app.worker,
		Planner:                  chunkPlanner,
		Metrics:                  app.metrics,
		Logger:                   app.logger,
		ChunkDays:                cfg.Sync.ChunkDays,
		IncrementalChunkDays:     cfg.Sync.IncrementalChunkDays,
		IncrementalLookbackDays:  cfg.Sync.IncrementalLookbackDays,
		EstimatedSecondsPerChunk: cfg.Sync.EstimatedSecondsPerChunk,
	})

	app.scheduler = scheduler.New(linkRepo, app.syncService, cfg.Sync.NightlySchedule, app.logger)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	authHandler := handlers.NewAuthHandler(app.config.JWTSecret, app.logger)
	syncHandler := handlers.NewSyncHandler(app.syncService, app.logger)
	notificationHandler := handlers.NewNotificationHandler(app.notifications, app.logger)

	return routes.NewRouter(authHandler, syncHandler, notificationHandler, app.db, app.metrics.Handler())
}

// startServer launches the worker, scheduler, and HTTP server, then handles
// graceful shutdown: HTTP first, then running jobs are paused at their next
// chunk boundary.
func (app *application) startServer(handler http.Handler) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := app.worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Worker exited with error")
		}
	}()

	if err := app.scheduler.Start(workerCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop scheduling new runs, then pause in-flight jobs.
	app.scheduler.Stop()

	logger.Info().Msg("Stopping sync worker...")
	stopWorker()
	select {
	case <-workerDone:
		logger.Info().Msg("Sync worker stopped.")
	case <-time.After(app.config.Worker.ShutdownTimeout):
		logger.Warn().Dur("timeout", app.config.Worker.ShutdownTimeout).Msg("Sync worker did not stop in time; unfinished jobs will be reclaimed as stale")
	}
}
