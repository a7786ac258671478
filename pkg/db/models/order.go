package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a persisted purchase. StockLogID ties it to the decrement intent that produced it.
type Order struct {
	ID         string          `gorm:"column:id;type:varchar(32);primaryKey"`
	UserID     int64           `gorm:"column:user_id;not null;index"`
	ItemID     int64           `gorm:"column:item_id;not null;index"`
	PromoID    *int64          `gorm:"column:promo_id"`
	Amount     int             `gorm:"column:amount;not null"`
	ItemPrice  decimal.Decimal `gorm:"column:item_price;type:numeric(12,2);not null"`
	OrderPrice decimal.Decimal `gorm:"column:order_price;type:numeric(12,2);not null"`
	StockLogID string          `gorm:"column:stock_log_id;type:varchar(64);not null;uniqueIndex"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (Order) TableName() string { return "order_info" }
