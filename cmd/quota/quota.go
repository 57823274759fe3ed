package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"quota/internal/api"
	"quota/internal/auth"
	"quota/internal/config"
	"quota/internal/idempotency"
	"quota/internal/logger"
	"quota/internal/models"
	"quota/internal/observability"
	"quota/internal/purchase"
	"quota/internal/ratelimit"
	"quota/internal/storage"
	"quota/internal/version"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run wires the service and blocks until shutdown, returning the exit code.
func run() int {

	info := version.GetInfo()
	if *showVersion {
		fmt.Println(info.String())
		return 0
	}

	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			return 1
		}
		return 0
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, info)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, info)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize the bucket store
	bucketStore, err := storage.NewFactory().Create(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize bucket store", "type", cfg.Store.Type, "error", err)
		return 1
	}
	defer bucketStore.Close()

	// Wrap the store with instrumentation if metrics are enabled
	var activeStore storage.BucketStore = bucketStore
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedBucketStore(bucketStore)
		if err != nil {
			slog.Error("Failed to create instrumented bucket store", "error", err)
			return 1
		}
		activeStore = instrumented
	}

	// Initialize the idempotency cache
	cache, redisClient, err := initializeIdempotency(cfg)
	if err != nil {
		slog.Error("Failed to initialize idempotency cache", "store", cfg.Idempotency.Store, "error", err)
		return 1
	}
	defer cache.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	limiter, err := ratelimit.NewLimiter(activeStore, cfg.RateLimit)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		return 1
	}

	serviceOpts := []purchase.Option{}
	if cfg.Metrics.Enabled {
		purchaseMetrics, err := observability.NewPurchaseMetrics()
		if err != nil {
			slog.Error("Failed to create purchase metrics", "error", err)
			return 1
		}
		serviceOpts = append(serviceOpts, purchase.WithRecorder(purchaseMetrics))
	}
	purchaseService := purchase.NewService(limiter, activeStore, cache, cfg.Idempotency.TTL, serviceOpts...)

	if cfg.Security.JWTSecret == "" {
		slog.Warn("No JWT secret configured; tokens will not survive a restart", "env", "QUOTA_JWT_SECRET")
	}
	tokens := auth.NewService(cfg.Security.JWTSecret, cfg.Security.TokenTTL)

	handlers := api.NewHandlers(purchaseService, tokens, activeStore, info)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if cfg.Security.IngressLimit.Enabled {
		il := cfg.Security.IngressLimit
		ingress := ratelimit.NewIngressLimiter(il.RequestsPerMinute, il.BurstSize, il.CleanupInterval)
		defer ingress.Close()
		routeOpts = append(routeOpts, api.WithIngressLimiter(ratelimit.IngressMiddleware(ingress)))
	}

	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"store", cfg.Store.Type,
			"idempotency", cfg.Idempotency.Store,
			"capacity", cfg.RateLimit.Capacity,
			"refill_per_minute", cfg.RateLimit.RefillPerMinute,
		)

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		serverErr <- err
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("Shutting down server", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
	return exitCode
}

// initializeIdempotency builds the replay cache. The redis backend dials its
// own client from the store's redis settings; the caller closes it.
func initializeIdempotency(cfg *models.Config) (idempotency.Cache, *redis.Client, error) {
	var client *redis.Client
	if cfg.Idempotency.Store == models.IdempotencyStoreRedis {
		c, err := storage.NewRedisClient(cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		client = c
	}

	var shared redis.UniversalClient
	if client != nil {
		shared = client
	}

	cache, err := idempotency.New(cfg.Idempotency, shared)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, err
	}
	return cache, client, nil
}
