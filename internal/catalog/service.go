// Package catalog resolves items and their effective unit price.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
)

type catalogRepository interface {
	FindItem(ctx context.Context, id int64) (*models.Item, error)
	FindPromo(ctx context.Context, id int64) (*models.Promo, error)
	IncreaseSalesTx(ctx context.Context, tx *gorm.DB, itemID int64, amount int) (int64, error)
}

// Item is an item with its active promotion, if any.
type Item struct {
	ID    int64
	Title string
	Price decimal.Decimal
	Promo *models.Promo
}

// UnitPrice returns the promo price when promoID names the item's active promo,
// otherwise the catalog price.
func (i Item) UnitPrice(promoID *int64) decimal.Decimal {
	if promoID != nil && i.Promo != nil && i.Promo.ID == *promoID {
		return i.Promo.PromoItemPrice
	}
	return i.Price
}

type Service struct {
	repo catalogRepository
	now  func() time.Time
}

func NewService(repo catalogRepository, clock func() time.Time) (*Service, error) {
	if repo == nil {
		return nil, errors.New("catalog repository required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{repo: repo, now: clock}, nil
}

// GetItem loads an item. When promoID is set and names an active promo for the
// item, it is attached.
func (s *Service) GetItem(ctx context.Context, itemID int64, promoID *int64) (*Item, error) {
	row, err := s.repo.FindItem(ctx, itemID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load item")
	}
	if row == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "item not found").
			WithDetails(map[string]any{"item_id": itemID})
	}
	item := &Item{ID: row.ID, Title: row.Title, Price: row.Price}

	if promoID == nil {
		return item, nil
	}
	promo, err := s.repo.FindPromo(ctx, *promoID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load promo")
	}
	if promo != nil && promo.ItemID == row.ID && promo.ActiveAt(s.now()) {
		item.Promo = promo
	}
	return item, nil
}

// IncreaseSales bumps the item's sales counter in tx.
func (s *Service) IncreaseSales(ctx context.Context, tx *gorm.DB, itemID int64, amount int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	affected, err := s.repo.IncreaseSalesTx(ctx, tx, itemID, amount)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increase sales")
	}
	if affected == 0 {
		return pkgerrors.New(pkgerrors.CodeInconsistency, "item disappeared while ordering").
			WithDetails(map[string]any{"item_id": itemID})
	}
	return nil
}
