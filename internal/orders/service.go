package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
)

const DefaultMaxAmount = 99

// Service runs the order workflow that backs a stock decrement.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
}

type ServiceParams struct {
	DB               txRunner
	Repository       Repository
	Catalog          catalogService
	Reservation      reservation
	Numbers          numberGenerator
	Ledger           stockLedger
	Logger           *logger.Logger
	MaxAmount        int
	ReleaseOnFailure bool
}

type service struct {
	db               txRunner
	repo             Repository
	catalog          catalogService
	reservation      reservation
	numbers          numberGenerator
	ledger           stockLedger
	logg             *logger.Logger
	maxAmount        int
	releaseOnFailure bool
}

func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("order repository required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog required")
	}
	if params.Reservation == nil {
		return nil, errors.New("stock reservation required")
	}
	if params.Numbers == nil {
		return nil, errors.New("order number generator required")
	}
	if params.Ledger == nil {
		return nil, errors.New("stock log ledger required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	maxAmount := params.MaxAmount
	if maxAmount <= 0 {
		maxAmount = DefaultMaxAmount
	}
	return &service{
		db:               params.DB,
		repo:             params.Repository,
		catalog:          params.Catalog,
		reservation:      params.Reservation,
		numbers:          params.Numbers,
		ledger:           params.Ledger,
		logg:             params.Logger,
		maxAmount:        maxAmount,
		releaseOnFailure: params.ReleaseOnFailure,
	}, nil
}

// CreateOrder reserves stock, then persists the order, the sales increment and the
// DECREMENTED ledger mark in one transaction. A lost commit ack keeps the reservation.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (order *models.Order, err error) {
	ctx = s.logg.WithStockLogID(ctx, input.StockLogID)
	if strings.TrimSpace(input.StockLogID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock log id is required")
	}

	item, err := s.catalog.GetItem(ctx, input.ItemID, input.PromoID)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "item does not exist").
				WithDetails(map[string]any{"item_id": input.ItemID})
		}
		return nil, err
	}

	if input.Amount <= 0 || input.Amount > s.maxAmount {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("amount must be between 1 and %d", s.maxAmount)).
			WithDetails(map[string]any{"amount": input.Amount})
	}

	reserved, err := s.reservation.TryDecrease(ctx, input.ItemID, input.Amount)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve stock")
	}
	if !reserved {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
			WithDetails(map[string]any{"item_id": input.ItemID, "amount": input.Amount})
	}
	// commitUnknown is set when the order transaction may have committed even
	// though WithTx reported an error; the reservation is then kept.
	commitUnknown := false
	defer func() {
		if err != nil && !commitUnknown {
			s.releaseReservation(ctx, input)
		}
	}()

	unitPrice := item.UnitPrice(input.PromoID)
	orderPrice := unitPrice.Mul(decimal.NewFromInt(int64(input.Amount)))

	orderID, err := s.numbers.Next(ctx)
	if err != nil {
		return nil, err
	}

	row := &models.Order{
		ID:         orderID,
		UserID:     input.UserID,
		ItemID:     input.ItemID,
		PromoID:    input.PromoID,
		Amount:     input.Amount,
		ItemPrice:  unitPrice,
		OrderPrice: orderPrice,
		StockLogID: input.StockLogID,
	}
	var (
		ran   bool
		fnErr error
	)
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ran = true
		fnErr = s.persist(ctx, tx, row, input)
		return fnErr
	})
	if err != nil {
		if ran && fnErr == nil {
			commitUnknown = true
			s.logg.Error(ctx, "order commit outcome unknown; keeping stock reservation", err)
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "commit order")
		}
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, row.ID), map[string]any{
		"item_id":     row.ItemID,
		"amount":      row.Amount,
		"order_price": row.OrderPrice.StringFixed(2),
	}), "order created")
	return row, nil
}

// persist writes the order, the sales increment and the DECREMENTED mark in tx.
func (s *service) persist(ctx context.Context, tx *gorm.DB, row *models.Order, input CreateOrderInput) error {
	if err := s.repo.WithTx(tx).Create(ctx, row); err != nil {
		switch {
		case dbpkg.IsUniqueViolation(err, ""):
			return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "order already exists for stock log")
		case dbpkg.IsForeignKeyViolation(err, ""):
			return pkgerrors.Wrap(pkgerrors.CodeInconsistency, err, "stock log missing").
				WithDetails(map[string]any{"stock_log_id": input.StockLogID})
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert order")
	}
	if err := s.catalog.IncreaseSales(ctx, tx, input.ItemID, input.Amount); err != nil {
		return err
	}
	return s.ledger.MarkDecremented(ctx, tx, input.StockLogID)
}

func (s *service) releaseReservation(ctx context.Context, input CreateOrderInput) {
	if !s.releaseOnFailure {
		return
	}
	if err := s.reservation.Increase(ctx, input.ItemID, input.Amount); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "item_id", input.ItemID), "failed to release stock reservation", err)
	}
}
