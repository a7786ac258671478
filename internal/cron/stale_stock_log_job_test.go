package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stockflow/internal/stocklog"
	"github.com/angelmondragon/stockflow/pkg/db/dbtest"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	"github.com/angelmondragon/stockflow/pkg/logger"
)

type recordingGauge struct {
	value int64
	set   bool
}

func (g *recordingGauge) SetStaleStockLogs(count int64) {
	g.value = count
	g.set = true
}

type stockLogCounterFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

func (f stockLogCounterFunc) CountStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f(ctx, olderThan)
}

func TestStaleStockLogJobCountsOldInitEntries(t *testing.T) {
	client := dbtest.Open(t, &models.StockLog{})
	ledger, err := stocklog.NewService(stocklog.NewRepository(client.DB()), client, logger.Nop())
	require.NoError(t, err)

	old := time.Now().UTC().Add(-2 * time.Hour)
	rows := []models.StockLog{
		{ID: "old-init", ItemID: 1, Amount: 1, Status: enums.StockLogInit, CreatedAt: old},
		{ID: "old-done", ItemID: 1, Amount: 1, Status: enums.StockLogDecremented, CreatedAt: old},
		{ID: "fresh-init", ItemID: 1, Amount: 1, Status: enums.StockLogInit},
	}
	require.NoError(t, client.DB().Create(&rows).Error)

	gauge := &recordingGauge{}
	job, err := NewStaleStockLogJob(StaleStockLogJobParams{
		Logger:    logger.Nop(),
		StockLogs: ledger,
		Gauge:     gauge,
		OlderThan: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	assert.True(t, gauge.set)
	assert.Equal(t, int64(1), gauge.value)
	assert.Equal(t, "stale-stock-logs", job.Name())
}

func TestStaleStockLogJobPropagatesError(t *testing.T) {
	gauge := &recordingGauge{}
	job, err := NewStaleStockLogJob(StaleStockLogJobParams{
		Logger: logger.Nop(),
		StockLogs: stockLogCounterFunc(func(context.Context, time.Duration) (int64, error) {
			return 0, errors.New("db down")
		}),
		Gauge: gauge,
	})
	require.NoError(t, err)
	assert.Error(t, job.Run(context.Background()))
	assert.False(t, gauge.set)
}

func TestStaleStockLogJobDefaults(t *testing.T) {
	var seen time.Duration
	job, err := NewStaleStockLogJob(StaleStockLogJobParams{
		Logger: logger.Nop(),
		StockLogs: stockLogCounterFunc(func(_ context.Context, olderThan time.Duration) (int64, error) {
			seen = olderThan
			return 0, nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, defaultStaleStockLogAfter, seen)

	_, err = NewStaleStockLogJob(StaleStockLogJobParams{Logger: logger.Nop()})
	assert.Error(t, err)
}
