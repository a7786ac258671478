package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockflow/pkg/logger"
)

const defaultStaleStockLogAfter = 30 * time.Minute

type staleStockLogCounter interface {
	CountStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type staleStockLogGauge interface {
	SetStaleStockLogs(count int64)
}

type StaleStockLogJobParams struct {
	Logger    *logger.Logger
	StockLogs staleStockLogCounter
	Gauge     staleStockLogGauge
	OlderThan time.Duration
}

// NewStaleStockLogJob reports stock logs still INIT after OlderThan. Such an
// entry means a decrement whose outcome was never decided locally and which
// check-back has not yet settled. The job only reports; it never resolves.
func NewStaleStockLogJob(params StaleStockLogJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.StockLogs == nil {
		return nil, fmt.Errorf("stock log service required")
	}
	olderThan := params.OlderThan
	if olderThan <= 0 {
		olderThan = defaultStaleStockLogAfter
	}
	return &staleStockLogJob{
		logg:      params.Logger,
		stockLogs: params.StockLogs,
		gauge:     params.Gauge,
		olderThan: olderThan,
	}, nil
}

type staleStockLogJob struct {
	logg      *logger.Logger
	stockLogs staleStockLogCounter
	gauge     staleStockLogGauge
	olderThan time.Duration
}

func (j *staleStockLogJob) Name() string { return "stale-stock-logs" }

func (j *staleStockLogJob) Run(ctx context.Context) error {
	count, err := j.stockLogs.CountStale(ctx, j.olderThan)
	if err != nil {
		return fmt.Errorf("count stale stock logs: %w", err)
	}
	if j.gauge != nil {
		j.gauge.SetStaleStockLogs(count)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"stale_count": count,
		"older_than":  j.olderThan.String(),
	})
	if count > 0 {
		j.logg.Warn(logCtx, "stock logs stuck in INIT")
		return nil
	}
	j.logg.Debug(logCtx, "no stale stock logs")
	return nil
}
