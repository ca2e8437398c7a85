package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/checkapp/checkapp-sync-server/internal/app"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		Long: `Start the sync API server.

The configuration file (--config) specifies the database, the tenant
resolution, the photo blob store and optional telemetry. Tables outside the
built-in catalogue can be added under sync.tables.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	cmd.Flags().Bool("migrate", false, "Apply pending database migrations before serving")
	cmd.Flags().Duration("graceful-timeout", defaultGracefulTimeout, "Time allowed for in-flight requests on shutdown")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	migrateFirst, err := cmd.Flags().GetBool("migrate")
	if err != nil {
		return fmt.Errorf("failed to get migrate flag: %w", err)
	}
	if migrateFirst {
		if err := applyMigrations(ctx, cfg.Database); err != nil {
			return err
		}
	}

	opts := []app.SyncAppOptions{app.WithConfig(cfg)}
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to get address flag: %w", err)
	}
	if address != "" {
		opts = append(opts, app.WithAddress(address))
	}

	syncApp, err := app.NewSyncApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create sync server: %w", err)
	}

	served := make(chan error, 1)
	go func() {
		served <- syncApp.Start()
	}()

	select {
	case err := <-served:
		// the server stopped on its own; release what it holds
		if stopErr := syncApp.Stop(defaultGracefulTimeout); stopErr != nil {
			slog.Warn("Failed to release server resources", "error", stopErr)
		}
		return err
	case <-ctx.Done():
	}

	timeout, err := cmd.Flags().GetDuration("graceful-timeout")
	if err != nil {
		timeout = defaultGracefulTimeout
	}
	if err := syncApp.Stop(timeout); err != nil {
		return err
	}
	return <-served
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Minute)
}
