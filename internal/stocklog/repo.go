package stocklog

import (
	"context"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
)

// Repository manages persistence for stock log entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.StockLog) error
	FindByID(ctx context.Context, id string) (*models.StockLog, error)
	Transition(ctx context.Context, id string, to enums.StockLogStatus) (bool, error)
	CountInitBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a stock log repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.StockLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindByID returns nil, nil when the entry does not exist.
func (r *repository) FindByID(ctx context.Context, id string) (*models.StockLog, error) {
	var entry models.StockLog
	err := r.db.WithContext(ctx).Where("stock_log_id = ?", id).First(&entry).Error
	if err != nil {
		if dbpkg.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Transition moves an INIT entry to the given status and reports whether a row changed.
func (r *repository) Transition(ctx context.Context, id string, to enums.StockLogStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.StockLog{}).
		Where("stock_log_id = ? AND status = ?", id, enums.StockLogInit).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) CountInitBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.StockLog{}).
		Where("status = ? AND created_at < ?", enums.StockLogInit, cutoff).
		Count(&count).Error
	return count, err
}
