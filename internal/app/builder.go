package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/checkapp/checkapp-sync-server/internal/api"
	"github.com/checkapp/checkapp-sync-server/internal/apply"
	"github.com/checkapp/checkapp-sync-server/internal/blob"
	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/db"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
	"github.com/checkapp/checkapp-sync-server/internal/notify"
	"github.com/checkapp/checkapp-sync-server/internal/rules"
	"github.com/checkapp/checkapp-sync-server/internal/telemetry"
	"github.com/checkapp/checkapp-sync-server/internal/tenant"
	"github.com/checkapp/checkapp-sync-server/internal/tombstone"
	"github.com/checkapp/checkapp-sync-server/internal/versions"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 90 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	// SyncTracerName names the tracer of the pull and push engines
	SyncTracerName = "github.com/checkapp/checkapp-sync-server/sync"
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects the builder inputs. Components left nil are built
// from the configuration; tests inject their own.
type syncAppConfig struct {
	config *config.Config

	pool      *pgxpool.Pool
	uploader  blob.Uploader
	notifier  notify.Notifier
	telemetry *telemetry.Telemetry

	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAddress()
	}
	if cfg.requestTimeout == 0 {
		cfg.requestTimeout = cfg.config.GetRequestTimeout()
	}
	return cfg, nil
}

// NewSyncApp builds the sync server from its configuration.
func NewSyncApp(ctx context.Context, opts ...SyncAppOptions) (*SyncApp, error) {
	b, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			release()
		}
	}()

	if b.telemetry == nil {
		b.telemetry, err = telemetry.New(ctx,
			telemetry.WithTelemetryConfig(b.config.Telemetry),
			telemetry.WithVersion(versions.GetVersionInfo().Version))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		tel := b.telemetry
		defer func() {
			if cleanupNeeded {
				_ = tel.Shutdown(ctx)
			}
		}()
	}

	if b.pool == nil {
		b.pool, err = db.NewPool(ctx, b.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pool := b.pool
		closers = append(closers, func() {
			slog.Info("Closing database connection pool")
			pool.Close()
		})
	}

	if b.notifier == nil {
		b.notifier, err = notify.New(b.config.Notify)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		notifier := b.notifier
		closers = append(closers, func() {
			if err := notifier.Close(); err != nil {
				slog.Warn("Failed to close notifier", "error", err)
			}
		})
	}

	if b.uploader == nil {
		b.uploader, err = buildUploader(ctx, b.config.Blob)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob store: %w", err)
		}
	}

	components, err := buildSyncComponents(b)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	httpServer, err := buildHTTPServer(b, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	cleanupNeeded = false
	return &SyncApp{
		config:     b.config,
		components: components,
		httpServer: httpServer,
		release:    release,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		switch host {
		case "localhost":
			host = "127.0.0.1"
		case "":
			host = "0.0.0.0"
		}
		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithPool injects a database pool; the app does not close it
func WithPool(pool *pgxpool.Pool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.pool = pool
		return nil
	}
}

// WithUploader injects the photo blob store
func WithUploader(u blob.Uploader) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.uploader = u
		return nil
	}
}

// WithNotifier injects the change notifier; the app does not close it
func WithNotifier(n notify.Notifier) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.notifier = n
		return nil
	}
}

// WithTelemetry injects the telemetry providers
func WithTelemetry(t *telemetry.Telemetry) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// buildUploader returns the configured blob store, or nil when photo
// externalisation is off.
func buildUploader(ctx context.Context, cfg *config.BlobConfig) (blob.Uploader, error) {
	switch cfg.GetType() {
	case config.BlobTypeLocal:
		if cfg.Local == nil {
			return nil, fmt.Errorf("blob.local is required for the local blob store")
		}
		return blob.NewLocalUploader(cfg.Local.Dir, cfg.GetFolderPrefix())
	case config.BlobTypeS3:
		return blob.NewS3Uploader(ctx, cfg.S3, cfg.GetFolderPrefix())
	case config.BlobTypeNone:
		slog.Warn("No blob store configured, inline photos will be dropped")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.GetType())
	}
}

// buildSyncComponents wires the pull, push and rules services
func buildSyncComponents(b *syncAppConfig) (*AppComponents, error) {
	slog.Info("Initializing sync components")

	syncMetrics, err := telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	tracer := b.telemetry.Tracer(SyncTracerName)

	resolver := freshness.NewResolver(b.pool, b.config.Catalog())
	tombstones := tombstone.NewStore()

	fetchEngine := fetch.NewEngine(b.pool, resolver, tombstones,
		fetch.WithLimits(b.config.Sync.GetDefaultLimit(), b.config.Sync.GetMaxLimit()),
		fetch.WithTracer(tracer),
		fetch.WithMetrics(syncMetrics),
	)

	var (
		strict      bool
		bookkeeping []string
	)
	if b.config.Sync != nil {
		strict = b.config.Sync.StrictFields
		bookkeeping = b.config.Sync.BookkeepingFields
	}
	normalizer := apply.NewNormalizer(b.uploader, b.config.Blob.GetFolderPrefix(), strict, bookkeeping...)

	applyEngine := apply.NewEngine(b.pool, resolver, tombstones,
		apply.WithNormalizer(normalizer),
		apply.WithNotifier(b.notifier),
		apply.WithTracer(tracer),
		apply.WithMetrics(syncMetrics),
	)

	slog.Info("Sync components initialized successfully",
		"tables", len(b.config.Catalog()),
		"strict_fields", strict,
		"blob_store", b.config.Blob.GetType(),
		"notifier", b.config.Notify.GetType(),
	)

	return &AppComponents{
		Pool:      b.pool,
		Telemetry: b.telemetry,
		Notifier:  b.notifier,
		Fetch:     fetchEngine,
		Apply:     applyEngine,
		Rules:     rules.NewService(fetchEngine),
	}, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *syncAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// metrics and tracing first so rejected requests are observed too
	metricsMiddleware, err := telemetry.MetricsMiddleware(c.Telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	middlewares := append([]func(http.Handler) http.Handler{
		metricsMiddleware,
		telemetry.TracingMiddleware(c.Telemetry.TracerProvider()),
	}, b.middlewares...)

	secret, err := b.config.Tenancy.GetJWTSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT secret: %w", err)
	}
	var publicPaths []string
	if b.config.Tenancy != nil {
		publicPaths = b.config.Tenancy.PublicPaths
	}
	resolver := tenant.NewResolver(b.config.GetDefaultSchema(), secret, publicPaths...)
	if !resolver.Verifying() {
		slog.Warn("JWT signatures are not verified, tenant claims are trusted as sent")
	}
	middlewares = append(middlewares, resolver.Middleware)

	router := api.NewServer(api.Services{
		Puller:  c.Fetch,
		Applier: c.Apply,
		Rules:   c.Rules,
		Pinger:  c.Pool,
	},
		api.WithMiddlewares(middlewares...),
		api.WithDefaultSchema(b.config.GetDefaultSchema()),
		api.WithMaxBodyBytes(b.config.GetMaxBodyBytes()),
		api.WithMetricsHandler(c.Telemetry.MetricsHandler()),
	)

	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       b.readTimeout,
		WriteTimeout:      b.writeTimeout,
		IdleTimeout:       b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
