// Package main provides the entry point for the Cortex server.
// Cortex is a security telemetry pipeline: it ingests agent events,
// classifies them against policies and behavioral baselines, and
// correlates the resulting alerts into incidents.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/api"
	"github.com/lvonguyen/cortex/internal/api/gateway"
	"github.com/lvonguyen/cortex/internal/config"
	"github.com/lvonguyen/cortex/internal/correlation"
	"github.com/lvonguyen/cortex/internal/detection"
	"github.com/lvonguyen/cortex/internal/ingest"
	"github.com/lvonguyen/cortex/internal/observability"
	"github.com/lvonguyen/cortex/internal/publish"
	"github.com/lvonguyen/cortex/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Cortex %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "cortex",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()

	logger.Info("Starting Cortex",
		zap.String("version", Version),
		zap.String("config", *configPath))

	st, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	var limiter *gateway.RateLimiter
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		limiter = gateway.NewRateLimiter(redisClient, gateway.RateLimitConfig{
			RequestsPerWindow: cfg.Ingest.RateLimitPerMinute,
			Window:            cfg.Ingest.RateLimitWindow,
			IncludeHeaders:    true,
		}, logger)
		logger.Info("Ingest rate limiting enabled", zap.String("redis", cfg.Redis.Addr))
	}

	var publisher ingest.AlertPublisher
	if cfg.NATS.Enabled {
		natsConn, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("NATS connection failed, alert publishing disabled", zap.Error(err))
		} else {
			defer natsConn.Close()
			publisher = publish.NewAlertPublisher(natsConn, logger)
			logger.Info("Alert publishing enabled", zap.String("nats", cfg.NATS.URL))
		}
	}

	detector := detection.NewAnomalyDetector(st, logger)
	correlator := correlation.NewEngine(st, logger, telemetry.Metrics(), cfg.Correlation.Window)
	pipeline := ingest.NewPipeline(st, detection.NewPolicyMatcher(), detector, correlator, publisher, logger, telemetry.Metrics())

	server := api.NewServer(st, pipeline, limiter, telemetry, logger, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartSystemMetricsCollector(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	telemetry.Shutdown(shutdownCtx)

	logger.Info("Server stopped")
}

// buildStore selects the event store backend from config.
func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(
			cfg.Database.Host,
			strconv.Itoa(cfg.Database.Port),
			cfg.Database.User,
			cfg.DatabasePassword(),
			cfg.Database.Name,
		)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		logger.Info("Using postgres store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Name))
		return pg, nil
	case "memory", "":
		logger.Info("Using in-memory store")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
