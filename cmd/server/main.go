// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "raw-uart-service/docs"
	"raw-uart-service/internal/config"
	"raw-uart-service/internal/database"
	"raw-uart-service/internal/handler"
	"raw-uart-service/internal/listener"
	"raw-uart-service/internal/metrics"
	"raw-uart-service/internal/repository"
	"raw-uart-service/internal/routes"
	"raw-uart-service/internal/service"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

const (
	memoryHistorySize = 10000
	pruneInterval     = time.Hour
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	listener *listener.Server

	registry *uart.Registry
	metrics  *prometheus.Registry
	eventBus *handler.EventBus

	// Services
	deviceService    *service.DeviceService
	discoveryService *service.DiscoveryService

	eventRepo repository.EventRepository
}

// @title Raw UART Service API
// @version 1.0.0
// @description Multiplexes radio module UARTs to TCP, HTTP and WebSocket clients

// @contact.name Raw UART Service API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8084
// @BasePath /api/v1
func main() {
	configPath := pflag.StringP("config", "c", "", "Path to the configuration file")
	migrateCmd := pflag.String("migrate", "", "Run a migration command (up, down, version, force=N) and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.CloseLogger(logger)

	if *migrateCmd != "" {
		if err := runMigration(cfg, logger, *migrateCmd); err != nil {
			logger.Error("Migration failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", zap.Error(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func runMigration(cfg *config.Config, logger *zap.Logger, cmd string) error {
	migrator := database.NewMigrator(cfg.GetDatabaseDSN(), logger)

	var version int
	switch {
	case cmd == "up":
		return migrator.Up()
	case cmd == "down":
		return migrator.Down()
	case cmd == "version":
		v, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		logger.Info("Schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		return nil
	default:
		if _, err := fmt.Sscanf(cmd, "force=%d", &version); err != nil {
			return fmt.Errorf("unknown migration command %q", cmd)
		}
		return migrator.Force(version)
	}
}

// NewApplication creates a new application instance
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	serviceLogger := utils.NewServiceLogger(logger, "raw-uart-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.initializeRepositories()
	app.initializeServices()

	if err := app.initializeListener(); err != nil {
		app.closeDatabase()
		return nil, fmt.Errorf("failed to initialize listener: %w", err)
	}

	app.initializeServer()
	return app, nil
}

// initializeDatabase connects to PostgreSQL and runs migrations when the
// history is persisted
func (app *Application) initializeDatabase(ctx context.Context) error {
	if !app.config.Database.Enabled {
		app.logger.Info("Database disabled, keeping device history in memory")
		return nil
	}

	db, err := database.Open(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	app.database = db

	if app.config.Database.AutoMigrate {
		migrator := database.NewMigrator(app.config.GetDatabaseDSN(), app.logger)
		if err := migrator.Up(); err != nil {
			app.closeDatabase()
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() {
	if app.database != nil {
		app.eventRepo = repository.NewEventRepository(app.database, app.logger)
	} else {
		app.eventRepo = repository.NewMemoryEventRepository(memoryHistorySize)
	}
	app.logger.Info("Repositories initialized successfully")
}

// initializeServices creates the registry, the event bus and the services
func (app *Application) initializeServices() {
	app.registry = uart.NewRegistry(app.config.Mux.MaxDevices, app.logger)
	app.eventBus = handler.NewEventBus(app.logger)

	app.deviceService = service.NewDeviceService(
		app.registry,
		app.config,
		app.eventRepo,
		app.eventBus,
		app.logger,
	)
	app.discoveryService = service.NewDiscoveryService(app.config, app.deviceService, app.logger)

	if app.config.Metrics.Enabled {
		app.metrics = metrics.NewRegistry(app.registry)
	}

	app.logger.Info("Services initialized successfully")
}

// initializeListener binds the per-slot TCP ports
func (app *Application) initializeListener() error {
	if !app.config.Listener.Enabled {
		return nil
	}

	app.listener = listener.NewServer(&app.config.Listener, app.registry, app.logger)
	return app.listener.Listen()
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.metrics,
		app.eventBus,
		app.deviceService,
		app.discoveryService,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
}

// Run starts every component and blocks until ctx is done or one of them
// fails, then shuts down gracefully
func (app *Application) Run(ctx context.Context) error {
	go app.eventBus.Start()

	if err := app.deviceService.Start(ctx); err != nil {
		app.shutdown()
		return fmt.Errorf("failed to start devices: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(app.config.Server.TLS.CertFile, app.config.Server.TLS.KeyFile)
		} else {
			err = app.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		return nil
	})

	if app.listener != nil {
		g.Go(func() error {
			return app.listener.Serve(gctx)
		})
	}

	g.Go(func() error {
		app.deviceService.RunPruner(gctx, pruneInterval)
		return nil
	})

	app.logger.Info("Background services started")

	err := g.Wait()
	app.shutdown()
	return err
}

// shutdown releases devices, the event bus and the database
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "raw-uart-service")
	serviceLogger.LogServiceStop("shutdown")

	app.deviceService.Close()
	app.registry.Close()
	app.eventBus.Stop()
	app.closeDatabase()

	app.logger.Info("Application shutdown completed")
}

func (app *Application) closeDatabase() {
	if app.database == nil {
		return
	}
	if err := app.database.Close(); err != nil {
		app.logger.Error("Database close error", zap.Error(err))
	}
}
