package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/stockbridge/internal/alerts"
	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/config"
	"github.com/erauner12/stockbridge/internal/db"
	"github.com/erauner12/stockbridge/internal/httpapi"
	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/metrics"
	"github.com/erauner12/stockbridge/internal/processor"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/store/memstore"
	"github.com/erauner12/stockbridge/internal/store/pgstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var envFile = flag.String("env-file", "", "Optional .env file loaded before the environment")

func main() {
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.LoadServer(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if cfg.DevMode {
		log.Warn().Msg("dev mode is enabled - X-Debug-Sub and X-Debug-Tenant are accepted")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

// setupLogging configures the global logger
func setupLogging(cfg *config.Server) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.With().Str("service", "stockbridge").Logger()

	// Pretty logging for local dev
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// openStore returns the configured store and a function releasing its resources
func openStore(ctx context.Context, cfg *config.Server) (store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("using in-memory store - data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pgstore.New(pool), pool.Close, nil
}

// openDispatcher pushes critical-stock tasks onto Redis when configured and
// falls back to the log otherwise
func openDispatcher(ctx context.Context, cfg *config.Server) (processor.Dispatcher, *redis.Client, error) {
	if cfg.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set - critical alerts go to the log")
		return alerts.LogDispatcher{}, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("ping redis: %w", err), client.Close())
	}
	log.Info().Str("key", cfg.AlertListKey).Msg("critical alerts dispatched to redis")
	return alerts.NewRedisDispatcher(client, cfg.AlertListKey), client, nil
}

func run(cfg *config.Server) (err error) {
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher, redisClient, err := openDispatcher(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			err = multierr.Append(err, redisClient.Close())
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewSync(reg)

	thresholds := inventory.Thresholds{Critical: cfg.CriticalThreshold, Attention: cfg.AttentionThreshold}
	proc := processor.New(st, alerts.NewRecomputer(thresholds), dispatcher, m)

	srv := &httpapi.Server{
		Processor: proc,
		Store:     st,
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: cfg.RateLimitWindowSeconds,
			MaxRequests:   cfg.RateLimitMaxRequests,
			Burst:         cfg.RateLimitBurst,
		},
		MaxBatchSize: cfg.MaxBatchSize,
		Tenant: auth.TenantCfg{
			HeaderSecret:   cfg.TenantSecret,
			MaxSkewSeconds: int64(cfg.TenantMaxSkewS),
			DevMode:        cfg.DevMode,
		},
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		TenantClaim: cfg.TenantClaim,
		DevMode:     cfg.DevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
