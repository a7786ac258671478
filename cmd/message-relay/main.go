package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/stockflow/api/controllers"
	"github.com/angelmondragon/stockflow/api/routes"
	"github.com/angelmondragon/stockflow/internal/stocklog"
	"github.com/angelmondragon/stockflow/internal/stockmsg"
	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/instance"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/migrate"
	"github.com/angelmondragon/stockflow/pkg/outbox"
	"github.com/angelmondragon/stockflow/pkg/transport"
)

const serviceKind = "message-relay"

func main() {
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

	sender, err := transport.Open(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap transport", err)
		os.Exit(1)
	}
	defer func() {
		if err := sender.Close(); err != nil {
			logg.Error(context.Background(), "error closing transport", err)
		}
	}()

	txMetrics := metrics.NewTxMessageMetrics(prometheus.DefaultRegisterer)

	ledger, err := stocklog.NewService(stocklog.NewRepository(dbClient.DB()), dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build stock log ledger", err)
		os.Exit(1)
	}
	checker, err := stockmsg.NewCheckBacker(ledger, logg, txMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build check-back handler", err)
		os.Exit(1)
	}
	reconcilers := outbox.NewReconcilerRegistry()
	reconcilers.Register(cfg.Broker.StockTopic, checker.CheckBack)

	dlqRepo := outbox.NewDLQRepository(dbClient.DB())
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		DLQRepository: dlqRepo,
		Sender:        sender,
		Reconcilers:   reconcilers,
		Metrics:       txMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create message relay", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"transport":   sender.Name(),
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting message relay")

	opsHandler := routes.NewOpsRouter(routes.OpsParams{
		Env:      cfg.App.Env,
		Logger:   logg,
		Gatherer: prometheus.DefaultGatherer,
		Dependencies: map[string]controllers.Pinger{
			"database":  dbClient,
			"transport": sender,
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
		logg.Error(ctx, "message relay stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "message relay shutting down gracefully")
}
