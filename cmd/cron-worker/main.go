package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/stockflow/api/controllers"
	"github.com/angelmondragon/stockflow/api/routes"
	"github.com/angelmondragon/stockflow/internal/cron"
	"github.com/angelmondragon/stockflow/internal/stocklog"
	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/migrate"
	"github.com/angelmondragon/stockflow/pkg/outbox"
	"github.com/angelmondragon/stockflow/pkg/redis"
)

const serviceKind = "cron-worker"

func main() {
	once := flag.Bool("once", false, "run every job a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	txMetrics := metrics.NewTxMessageMetrics(prometheus.DefaultRegisterer)

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceKind), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	ledger, err := stocklog.NewService(stocklog.NewRepository(dbClient.DB()), dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build stock log ledger", err)
		os.Exit(1)
	}
	staleJob, err := cron.NewStaleStockLogJob(cron.StaleStockLogJobParams{
		Logger:    logg,
		StockLogs: ledger,
		Gauge:     txMetrics,
		OlderThan: cfg.Cron.StaleStockLogAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stale stock log job", err)
		os.Exit(1)
	}
	dlqRepo := outbox.NewDLQRepository(dbClient.DB())
	retentionJob, err := cron.NewMessageRetentionJob(cron.MessageRetentionJobParams{
		Logger:      logg,
		Messages:    outbox.NewRepository(dbClient.DB()),
		DeadLetters: dlqRepo,
		Retention:   cfg.Cron.MessageRetentionDay,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create message retention job", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(staleJob, retentionJob)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if *once {
		logg.Info(ctx, "running cron jobs once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron run failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")

	opsHandler := routes.NewOpsRouter(routes.OpsParams{
		Env:      cfg.App.Env,
		Logger:   logg,
		Gatherer: prometheus.DefaultGatherer,
		Dependencies: map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    redisClient,
		},
		DeadLetters: dlqRepo,
		StockLogs:   ledger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return routes.Serve(gctx, cfg.App.OpsPort, opsHandler, logg)
	})
	g.Go(func() error {
		return service.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
