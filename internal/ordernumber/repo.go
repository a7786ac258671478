package ordernumber

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stockflow/pkg/db/models"
)

// ErrSequenceNotFound is returned when the named sequence row is missing.
var ErrSequenceNotFound = errors.New("sequence not found")

// Repository persists named counters.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// AllocateTx advances the named sequence by its step and returns the value it held
// before the advance. The UPDATE takes the row lock, so concurrent callers serialize.
func (r *Repository) AllocateTx(ctx context.Context, tx *gorm.DB, name string) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Model(&models.Sequence{}).
		Where("name = ?", name).
		UpdateColumn("current_value", gorm.Expr("current_value + step"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrSequenceNotFound
	}

	var seq models.Sequence
	if err := tx.WithContext(ctx).Where("name = ?", name).First(&seq).Error; err != nil {
		return 0, err
	}
	return seq.CurrentValue - seq.Step, nil
}

// Ensure creates the sequence when absent and leaves an existing one untouched.
func (r *Repository) Ensure(ctx context.Context, name string, start, step int64) error {
	seq := models.Sequence{Name: name, CurrentValue: start, Step: step}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seq).Error
}
