package models

import (
	"time"

	"github.com/angelmondragon/stockflow/pkg/enums"
)

// StockLog is the durable ledger entry for one decrement intent.
type StockLog struct {
	ID        string               `gorm:"column:stock_log_id;type:varchar(64);primaryKey"`
	ItemID    int64                `gorm:"column:item_id;not null;index"`
	Amount    int                  `gorm:"column:amount;not null"`
	Status    enums.StockLogStatus `gorm:"column:status;not null;default:1;index"`
	CreatedAt time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (StockLog) TableName() string { return "stock_logs" }
