package stocklog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the stock log ledger: the durable record of decrement intents.
type Service interface {
	Create(ctx context.Context, itemID int64, amount int) (string, error)
	Get(ctx context.Context, id string) (*models.StockLog, error)
	MarkDecremented(ctx context.Context, tx *gorm.DB, id string) error
	MarkRolledBack(ctx context.Context, id string) error
	CountStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type service struct {
	repo Repository
	db   txRunner
	logg *logger.Logger
}

// NewService wires the ledger with its repository and transaction runner.
func NewService(repo Repository, db txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("stock log repository required")
	}
	if db == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, db: db, logg: logg}, nil
}

func (s *service) Create(ctx context.Context, itemID int64, amount int) (string, error) {
	if itemID <= 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "item id must be positive")
	}
	entry := &models.StockLog{
		ID:     uuid.NewString(),
		ItemID: itemID,
		Amount: amount,
		Status: enums.StockLogInit,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stock log")
	}
	return entry.ID, nil
}

// Get reads committed state only.
func (s *service) Get(ctx context.Context, id string) (*models.StockLog, error) {
	entry, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stock log")
	}
	if entry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "stock log not found")
	}
	return entry, nil
}

// MarkDecremented runs inside the caller's order transaction.
func (s *service) MarkDecremented(ctx context.Context, tx *gorm.DB, id string) error {
	if tx == nil {
		return fmt.Errorf("transaction required")
	}
	repo := s.repo.WithTx(tx)
	applied, err := repo.Transition(ctx, id, enums.StockLogDecremented)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark stock log decremented")
	}
	if applied {
		return nil
	}

	entry, err := repo.FindByID(ctx, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stock log")
	}
	switch {
	case entry == nil:
		return pkgerrors.New(pkgerrors.CodeInconsistency, "stock log missing").
			WithDetails(map[string]any{"stock_log_id": id})
	case entry.Status == enums.StockLogDecremented:
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "stock log already rolled back").
			WithDetails(map[string]any{"stock_log_id": id, "status": entry.Status.String()})
	}
}

// MarkRolledBack opens its own transaction; the order transaction has already been discarded.
func (s *service) MarkRolledBack(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		applied, err := repo.Transition(ctx, id, enums.StockLogRolledBack)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark stock log rolled back")
		}
		if applied {
			return nil
		}

		entry, err := repo.FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stock log")
		}
		if entry == nil {
			return pkgerrors.New(pkgerrors.CodeInconsistency, "stock log missing").
				WithDetails(map[string]any{"stock_log_id": id})
		}
		if entry.Status == enums.StockLogDecremented {
			s.logg.Warn(s.logg.WithStockLogID(ctx, id), "rollback requested for decremented stock log; keeping DECREMENTED")
		}
		return nil
	})
}

// CountStale counts entries still INIT after olderThan.
func (s *service) CountStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	count, err := s.repo.CountInitBefore(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count stale stock logs")
	}
	return count, nil
}
