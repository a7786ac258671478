package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/stockflow/internal/catalog"
	"github.com/angelmondragon/stockflow/internal/ordernumber"
	"github.com/angelmondragon/stockflow/internal/orders"
	"github.com/angelmondragon/stockflow/internal/stockcache"
	"github.com/angelmondragon/stockflow/internal/stocklog"
	"github.com/angelmondragon/stockflow/internal/stockmsg"
	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/migrate"
	"github.com/angelmondragon/stockflow/pkg/outbox"
	"github.com/angelmondragon/stockflow/pkg/outbox/idempotency"
	"github.com/angelmondragon/stockflow/pkg/redis"
	"github.com/angelmondragon/stockflow/pkg/transport"
)

const serviceKind = "place-order"

func main() {
	var opts options
	flag.Int64Var(&opts.UserID, "user", 0, "user placing the order")
	flag.Int64Var(&opts.ItemID, "item", 0, "item to order")
	flag.Int64Var(&opts.PromoID, "promo", 0, "promo id (0 for catalog price)")
	flag.IntVar(&opts.Amount, "amount", 1, "units per order")
	flag.IntVar(&opts.Count, "count", 1, "number of orders to place")
	flag.IntVar(&opts.Workers, "workers", 1, "orders placed concurrently")
	flag.BoolVar(&opts.Hint, "hint", false, "send best-effort decrement hints instead of transactional orders")
	flag.Int64Var(&opts.SeedStock, "seed-stock", 0, "set the cached stock for -item before placing orders")
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

	// The rollback-mark failure count is read back into the run summary.
	txMetrics := metrics.NewTxMessageMetrics(prometheus.NewRegistry())
	coordinatorParams, ledger, cache, err := buildWorkflow(cfg, logg, dbClient, redisClient, txMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build order workflow", err)
		os.Exit(1)
	}

	if opts.Hint {
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
		coordinatorParams.Sender = sender
	}

	coordinator, err := stockmsg.NewCoordinator(coordinatorParams)
	if err != nil {
		logg.Error(context.Background(), "failed to create coordinator", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
	})

	r := &runner{logg: logg, ledger: ledger, sender: coordinator, seeder: cache}
	started := time.Now()
	result, err := r.run(ctx, opts)
	if err != nil {
		logg.Error(ctx, "placing orders failed", err)
		os.Exit(1)
	}
	result.RollbackMarkFailures = int64(txMetrics.RollbackMarkFailures())
	if result.RollbackMarkFailures > 0 {
		logg.Warn(logg.WithField(ctx, "count", result.RollbackMarkFailures), "stock logs could not be marked ROLLED_BACK; check-back will keep answering unknown for them")
	}
	fmt.Printf("%s elapsed=%s\n", result, time.Since(started).Round(time.Millisecond))
	if result.Committed == 0 {
		os.Exit(2)
	}
}

// buildWorkflow wires the order workflow and the transactional broker. The
// hint sender is left for the caller.
func buildWorkflow(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, txMetrics *metrics.TxMessageMetrics) (stockmsg.CoordinatorParams, stocklog.Service, *stockcache.Cache, error) {
	conn := dbClient.DB()

	ledger, err := stocklog.NewService(stocklog.NewRepository(conn), dbClient, logg)
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}
	catalogService, err := catalog.NewService(catalog.NewRepository(conn), time.Now)
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}
	numbers, err := ordernumber.NewGenerator(ordernumber.GeneratorParams{
		DB:         dbClient,
		Repository: ordernumber.NewRepository(conn),
		Sequence:   cfg.Order.SequenceName,
		Shard:      cfg.Order.ShardSuffix,
	})
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}
	cache, err := stockcache.New(redisClient)
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}
	orderService, err := orders.NewService(orders.ServiceParams{
		DB:               dbClient,
		Repository:       orders.NewRepository(conn),
		Catalog:          catalogService,
		Reservation:      cache,
		Numbers:          numbers,
		Ledger:           ledger,
		Logger:           logg,
		MaxAmount:        cfg.Order.MaxAmount,
		ReleaseOnFailure: cfg.FeatureFlags.ReleaseOnFailure,
	})
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}
	broker, err := outbox.NewBroker(outbox.BrokerParams{
		DB:             dbClient,
		Repository:     outbox.NewRepository(conn),
		Logger:         logg,
		CheckbackDelay: cfg.Outbox.CheckbackDelay,
	})
	if err != nil {
		return stockmsg.CoordinatorParams{}, nil, nil, err
	}

	params := stockmsg.CoordinatorParams{
		Broker:    broker,
		Orders:    orderService,
		Ledger:    ledger,
		Metrics:   txMetrics,
		Logger:    logg,
		Topic:     cfg.Broker.StockTopic,
		Tag:       cfg.Broker.DecrementTag,
		HintTopic: cfg.Broker.HintTopic,
	}
	if cfg.FeatureFlags.SendOnceGuard {
		guard, err := idempotency.NewManager(redisClient, cfg.Broker.SendOnceTTL)
		if err != nil {
			return stockmsg.CoordinatorParams{}, nil, nil, err
		}
		params.Guard = guard
	}
	return params, ledger, cache, nil
}
