package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/blob"
	"github.com/pbxvault/pbxvault/internal/breaker"
	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/handlers"
	"github.com/pbxvault/pbxvault/internal/middleware"
	"github.com/pbxvault/pbxvault/internal/migration"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/orchestrator"
	"github.com/pbxvault/pbxvault/internal/pipeline"
	"github.com/pbxvault/pbxvault/internal/repository"
	"github.com/pbxvault/pbxvault/internal/routes"
	"github.com/pbxvault/pbxvault/internal/scheduler"
	"github.com/pbxvault/pbxvault/internal/transcode"
	"github.com/pbxvault/pbxvault/internal/tunnel"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config    *config.Config
	db        *sql.DB
	logger    zerolog.Logger
	breaker   *breaker.Registry
	tunnels   *tunnel.Manager
	pools     *tunnel.PoolManager
	scheduler *scheduler.Scheduler
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

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
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Circuit state is in-memory only; a fresh process starts every tenant
	// closed.
	reg := breaker.NewRegistry(cfg.Breaker)
	reg.ResetAll()

	// Tunnel manager and the tunneled connection pools.
	tunnels := tunnel.NewManager(cfg.Tunnel, logger)
	pools := tunnel.NewPoolManager(tunnels, cfg.Tunnel, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pools.Watch(ctx)

	// Blob storage for media payloads.
	store, err := blob.NewS3Store(ctx, cfg.S3)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	app := &application{
		config:  cfg,
		db:      db,
		logger:  logger,
		breaker: reg,
		tunnels: tunnels,
		pools:   pools,
	}

	// Sync engine: pipelines, orchestrator, scheduler.
	app.scheduler = app.buildSyncEngine(store)
	app.scheduler.Start(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	logger.Info().Msg("Application terminated.")
}

// buildSyncEngine wires the pipelines into an orchestrator and scheduler.
func (app *application) buildSyncEngine(store blob.Store) *scheduler.Scheduler {
	tenantRepo := repository.NewTenantRepository(app.db)
	checkpointRepo := repository.NewCheckpointRepository(app.db)
	extensionRepo := repository.NewExtensionRepository(app.db)
	messageRepo := repository.NewMessageRepository(app.db)
	callRepo := repository.NewCallRepository(app.db)
	mediaRepo := repository.NewMediaRepository(app.db)

	uploader := pipeline.NewUploader(store, transcode.Passthrough{}, mediaRepo, app.config.Sync, app.logger)

	pipes := []pipeline.Pipeline{
		pipeline.NewDirectoryPipeline(checkpointRepo, extensionRepo, app.config.Sync, app.logger),
		pipeline.NewMessagesPipeline(checkpointRepo, messageRepo, uploader, app.config.Sync, app.logger),
		pipeline.NewCallsPipeline(checkpointRepo, callRepo, app.config.Sync, app.logger),
		pipeline.NewMaintenancePipeline(checkpointRepo, extensionRepo, mediaRepo, messageRepo, app.logger),
	}
	for _, et := range models.HeavyEntities {
		pipes = append(pipes, pipeline.NewMediaPipeline(et, checkpointRepo, uploader, app.config.Sync, app.logger))
	}

	orch := orchestrator.New(tenantRepo, app.breaker, app.pools, app.tunnels, pipes, app.config.Sync, app.logger)
	return scheduler.New(tenantRepo, app.breaker, orch, app.config.Scheduler, app.logger)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	tenantRepo := repository.NewTenantRepository(app.db)
	checkpointRepo := repository.NewCheckpointRepository(app.db)

	authHandler := handlers.NewAuthHandler(app.db, app.config, logger)
	statusHandler := handlers.NewStatusHandler(tenantRepo, checkpointRepo, app.breaker, logger)
	tenantHandler := handlers.NewTenantHandler(tenantRepo, logger)

	return routes.NewRouter(authHandler, statusHandler, tenantHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
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

	// Stop the sync engine, then tear down tenant connections.
	logger.Info().Msg("Stopping scheduler...")
	app.scheduler.Stop()
	app.pools.CloseAll()
	app.tunnels.ReleaseAll()
	logger.Info().Msg("Sync engine stopped.")
}
