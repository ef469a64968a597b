// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/registry"
	"instrument-service/internal/routes"
	"instrument-service/internal/service"
	"instrument-service/internal/transport"
	"instrument-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	registry    *registry.Registry
	factory     *transport.Factory
	instruments *service.InstrumentService
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "instrument-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.App.Environment)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	app.initializeServices()

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeRegistry loads the instrument registry file
func (app *Application) initializeRegistry() error {
	reg, err := registry.Load(app.config.Registry.Path, app.logger)
	if err != nil {
		return err
	}
	app.registry = reg
	return nil
}

// initializeServices creates the connection factory and session manager
func (app *Application) initializeServices() {
	transportConfig := transport.Config{
		Timeout:            app.config.Transport.Timeout,
		DefaultBaudRate:    app.config.Transport.DefaultBaudRate,
		GPIBControllerPort: app.config.Transport.GPIBControllerPort,
		GatewayPort:        app.config.Transport.GatewayPort,
		ReadBufferSize:     app.config.Transport.ReadBufferSize,
	}
	app.factory = transport.NewFactory(app.registry, transportConfig, app.logger)
	app.instruments = service.NewInstrumentService(app.registry, app.factory, app.logger)

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.registry,
		app.instruments,
	)
	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
	return nil
}

// Start runs the HTTP server until a shutdown signal arrives
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("HTTP server starting", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		app.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	return app.Shutdown()
}

// Shutdown drains the HTTP server and closes every open session
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	app.instruments.CloseAll()
	app.logger.Info("Shutdown complete")
	app.logger.Sync()
	return nil
}
