package catalog

import (
	"context"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/models"
)

// Repository exposes item and promo persistence.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindItem returns nil, nil when the item does not exist.
func (r *Repository) FindItem(ctx context.Context, id int64) (*models.Item, error) {
	var item models.Item
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if dbpkg.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// FindPromo returns nil, nil when the promo does not exist.
func (r *Repository) FindPromo(ctx context.Context, id int64) (*models.Promo, error) {
	var promo models.Promo
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&promo).Error; err != nil {
		if dbpkg.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &promo, nil
}

// IncreaseSalesTx bumps the sales counter inside the caller's transaction.
func (r *Repository) IncreaseSalesTx(ctx context.Context, tx *gorm.DB, itemID int64, amount int) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&models.Item{}).
		Where("id = ?", itemID).
		UpdateColumn("sales", gorm.Expr("sales + ?", amount))
	return res.RowsAffected, res.Error
}
