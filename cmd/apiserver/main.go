// Command apiserver starts the HTTP Surface (spec §4.6): Job enqueue,
// Job summary, and the worker-facing pull/result endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/scrapctl/dispatcher/internal/adapter/httpserver"
	"github.com/scrapctl/dispatcher/internal/adapter/observability"
	"github.com/scrapctl/dispatcher/internal/adapter/repo/postgres"
	"github.com/scrapctl/dispatcher/internal/app"
	"github.com/scrapctl/dispatcher/internal/config"
	"github.com/scrapctl/dispatcher/internal/service/ratelimiter"
)

func newRedisClient(cfg config.Config) *redis.Client {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisSocketConnectTimeout,
		ReadTimeout:  cfg.RedisSocketTimeout,
		WriteTimeout: cfg.RedisSocketTimeout,
		PoolSize:     cfg.RedisMaxConnections,
	}
	if cfg.RedisURL != "" {
		if parsed, err := redis.ParseURL(cfg.RedisURL); err == nil {
			opts = parsed
		}
	}
	return redis.NewClient(opts)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := newRedisClient(cfg)
	defer func() { _ = rdb.Close() }()

	store := postgres.NewTaskStore(pool)
	tokens := httpserver.NewTokenIssuer(cfg.JWTSecretKey, time.Hour)
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, nil)

	dbCheck, cacheCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, store, tokens, limiter, dbCheck, cacheCheck)

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
