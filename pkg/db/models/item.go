package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a sellable catalog entry.
type Item struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Title     string          `gorm:"column:title;not null"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	Sales     int64           `gorm:"column:sales;not null;default:0"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Item) TableName() string { return "item" }

// Promo is a time-boxed price override for one item.
type Promo struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ItemID         int64           `gorm:"column:item_id;not null;index"`
	PromoItemPrice decimal.Decimal `gorm:"column:promo_item_price;type:numeric(12,2);not null"`
	StartAt        time.Time       `gorm:"column:start_at;not null"`
	EndAt          time.Time       `gorm:"column:end_at;not null"`
}

func (Promo) TableName() string { return "promo" }

// ActiveAt reports whether the promo window contains t.
func (p Promo) ActiveAt(t time.Time) bool {
	return !t.Before(p.StartAt) && t.Before(p.EndAt)
}
