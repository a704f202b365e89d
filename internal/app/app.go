package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"canteenservice/internal/config"

	"go.uber.org/zap"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
	services  *Services
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context) (*Application, error) {
	// Set up signal handling
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := &Application{
		ctx:    appCtx,
		cancel: cancel,
	}

	// Initialize container (expensive singletons)
	container, err := NewContainer(app.ctx)
	if err != nil {
		cancel() // Clean up context if initialization fails
		return nil, err
	}
	app.container = container

	services, err := NewServiceFactory(container).Build()
	if err != nil {
		container.Shutdown(context.Background())
		cancel()
		return nil, err
	}
	app.services = services

	app.container.Logger().Info("Application initialized successfully")
	return app, nil
}

// Run serves HTTP, consumes gateway events and runs the sweeps until the
// context is cancelled or the HTTP server fails.
func (app *Application) Run() error {
	logger := app.container.Logger()
	cfg := app.container.Config()

	srv := newHTTPServer(app.ctx, cfg, app.services.HTTPHandler)

	var wg sync.WaitGroup
	if app.services.Consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.services.Consumer.Start(app.ctx); err != nil {
				logger.Error("❌ Gateway event consumer stopped", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = app.services.Scheduler.Start(app.ctx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", srv.Addr))
		srvErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case httpErr := <-srvErr:
		if !errors.Is(httpErr, http.ErrServerClosed) {
			logger.Error("HTTP server ListenAndServe error", zap.Error(httpErr))
			err = httpErr
		}
		app.cancel()
	case <-app.ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP server graceful shutdown failed", zap.Error(shutdownErr))
		err = errors.Join(err, shutdownErr)
	}

	wg.Wait()
	return err
}

// newHTTPServer builds the API server. Request contexts keep ctx's values but
// not its cancellation: a signal stops new connections through Shutdown while
// in-flight checkouts and settlements run to completion.
func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return base },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 10*time.Second,
	}
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	// Cancel context
	if app.cancel != nil {
		app.cancel()
	}

	// Shutdown container
	if app.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		app.container.Shutdown(ctx)
	}
}
