package orders

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/internal/catalog"
	"github.com/angelmondragon/stockflow/pkg/db/models"
)

// Repository defines persistence operations for order_info.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id string) (*models.Order, error)
	FindByStockLogID(ctx context.Context, stockLogID string) (*models.Order, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type catalogService interface {
	GetItem(ctx context.Context, itemID int64, promoID *int64) (*catalog.Item, error)
	IncreaseSales(ctx context.Context, tx *gorm.DB, itemID int64, amount int) error
}

// reservation is the fast-path stock cache.
type reservation interface {
	TryDecrease(ctx context.Context, itemID int64, amount int) (bool, error)
	Increase(ctx context.Context, itemID int64, amount int) error
}

type numberGenerator interface {
	Next(ctx context.Context) (string, error)
}

type stockLedger interface {
	MarkDecremented(ctx context.Context, tx *gorm.DB, id string) error
}
