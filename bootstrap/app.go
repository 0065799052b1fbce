package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"accounts/config"
	"accounts/web"

	"go.uber.org/zap"
)

// App represents the running accounts service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
	Web    *web.App

	serviceWg sync.WaitGroup
	serveErr  chan error
	stopOnce  sync.Once
}

// NewApp creates the web application with CreateApplication and wraps it
// for serving.
func NewApp(ctx context.Context) (*App, error) {
	webApp, err := CreateApplication(ctx)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   webApp.Config,
		Logger:   webApp.Logger.Desugar(),
		Sugar:    webApp.Logger,
		Web:      webApp,
		serveErr: make(chan error, 1),
	}, nil
}

// Start serves HTTP in the background.
func (a *App) Start(ctx context.Context) error {
	addr := a.Config.Addr()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.Sugar.Errorw("HTTP server panicked", "panic", r)
				a.serveErr <- fmt.Errorf("http server panicked: %v", r)
			}
		}()

		a.Sugar.Infow("HTTP server started", "addr", addr)
		if err := a.Web.Start(addr); err != nil {
			a.Sugar.Errorw("HTTP server error", "error", err)
			a.serveErr <- err
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or the server
// stops on its own.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-a.serveErr:
		a.Sugar.Warnw("HTTP server exited", "error", err)
	}
}

// Shutdown stops the HTTP server and runs the application's teardown hooks.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		shutdownCtx := ctx
		if timeout := a.Config.Server.ShutdownTimeout; timeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		a.Sugar.Info("Phase 1: Stopping HTTP server...")
		var errs []error
		if stopErr := a.Web.Stop(shutdownCtx); stopErr != nil {
			a.Sugar.Errorw("Failed to stop HTTP server", "error", stopErr)
			errs = append(errs, stopErr)
		}
		a.serviceWg.Wait()

		a.Sugar.Info("Phase 2: Closing session store and databases...")
		if closeErr := a.Web.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
		err = errors.Join(errs...)
	})
	return err
}
