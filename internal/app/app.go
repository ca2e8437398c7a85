// Package app provides application lifecycle management for the sync server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// SyncApp owns the HTTP server and the components behind it.
type SyncApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// release closes what the builder opened
	release func()
}

// Start serves HTTP until Stop is called or the server fails.
func (app *SyncApp) Start() error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(listener)
}

// Serve serves HTTP on listener until Stop is called or the server fails.
func (app *SyncApp) Serve(listener net.Listener) error {
	slog.Info("Server listening", "address", listener.Addr().String())
	if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests for at most timeout, then releases the
// database pool, the notifier and the telemetry providers.
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := app.httpServer.Shutdown(shutdownCtx)
	if app.release != nil {
		app.release()
	}
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if app.components.Telemetry != nil {
		if err := app.components.Telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the wired components
func (app *SyncApp) Components() *AppComponents {
	return app.components
}
