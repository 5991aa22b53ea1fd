// Command dispatcher runs the supervisor loop described in spec §4.2:
// it scans pending Jobs into Tasks, drives the Router's dispatch tick,
// forks one Worker per configured account, and runs the periodic
// lease-reclaim and retention-cleanup services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/scrapctl/dispatcher/internal/adapter/executor/stub"
	"github.com/scrapctl/dispatcher/internal/adapter/observability"
	"github.com/scrapctl/dispatcher/internal/adapter/queue/local"
	"github.com/scrapctl/dispatcher/internal/adapter/queue/sqsfifo"
	"github.com/scrapctl/dispatcher/internal/adapter/repo/postgres"
	"github.com/scrapctl/dispatcher/internal/app"
	"github.com/scrapctl/dispatcher/internal/config"
	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/router"
	"github.com/scrapctl/dispatcher/internal/service/dmlimiter"
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

// defaultFollowingsLimit mirrors the HTTP Surface's enqueue default
// (httpserver.EnqueueFollowingsHandler), used when a chained
// analyze_profile Job inherits no explicit limit from its parent.
const defaultFollowingsLimit = 10

type accountCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Proxy    string `json:"proxy,omitempty"`
}

func loadAccounts(raw string) []string {
	var creds []accountCredential
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		slog.Error("instagram_accounts_json_invalid", slog.Any("error", err))
		return nil
	}
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		if c.Username != "" {
			out = append(out, c.Username)
		}
	}
	return out
}

func buildTransports(ctx context.Context, cfg config.Config) (domain.TaskQueue, domain.ResultQueue) {
	if cfg.QueuesBackend == "sqs" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("aws_config_load_failed", slog.Any("error", err))
			os.Exit(1)
		}
		client := sqs.NewFromConfig(awsCfg)
		return sqsfifo.NewTaskTransport(client, cfg.SQSTaskQueueURL), sqsfifo.NewResultTransport(client, cfg.SQSResultQueueURL)
	}
	return local.NewTaskTransport(cfg.QueueMaxSize), local.NewResultTransport(cfg.QueueMaxSize)
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

	accounts := loadAccounts(cfg.InstagramAccountsJSON)
	if len(accounts) == 0 {
		slog.Error("no worker accounts configured, aborting", slog.String("env", "INSTAGRAM_ACCOUNTS_JSON"))
		os.Exit(1)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := newRedisClient(cfg)
	defer func() { _ = rdb.Close() }()

	store := postgres.NewTaskStore(pool)
	tasks, results := buildTransports(ctx, cfg)
	executor := stub.New()
	dmPacer := dmlimiter.New(rdb, cfg.DMMinPerHour, cfg.DMMaxPerHour,
		time.Duration(cfg.DMCooldownMinMin)*time.Minute, time.Duration(cfg.DMCooldownMaxMin)*time.Minute)

	rtr := router.New(accounts, router.Config{
		MaxInflightPerAccount:   cfg.WorkerMaxInflightPerAccount,
		TokensCapacity:          cfg.WorkerTokensCapacity,
		TokensRefillPerSec:      cfg.WorkerTokensRefillPerSec,
		BaseBackoffS:            cfg.WorkerBaseBackoffS,
		MaxBackoffS:             cfg.WorkerMaxBackoffS,
		JitterS:                 cfg.WorkerJitterS,
		AgingStep:               cfg.WorkerAgingStep,
		AgingCap:                cfg.WorkerAgingCap,
		LoadBalanceWeight:       cfg.WorkerLoadBalanceWeight,
		TokenAvailabilityWeight: cfg.WorkerTokenAvailabilityWeight,
		UrgencyWeight:           cfg.WorkerUrgencyWeight,
		DefaultBatchSize:        cfg.WorkerDefaultBatchSize,
		MaxAttempts:             cfg.MaxAttempts,
	}, store, tasks)

	d := app.NewDispatcher(
		accounts, store, tasks, results, executor, rtr,
		app.DispatcherConfig{
			TickSleep:              cfg.TickSleep,
			ScanInterval:           cfg.ScanIntervalS,
			DefaultFollowingsLimit: defaultFollowingsLimit,
		},
		0, 0, // poll/heartbeat intervals: worker.New falls back to its own defaults
		cfg.LeaseCleanupInterval, cfg.MaxReclaimedPerRun,
		cfg.CleanupInterval, cfg.CleanupStaleDays, cfg.CleanupFinishedDays, cfg.CleanupOrphanedDays, cfg.CleanupBatchSize,
		dmPacer,
	)

	d.Run(ctx)
	slog.Info("dispatcher exited")
}
