package stockmsg

import (
	"context"
	"errors"

	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

type ledgerReader interface {
	Get(ctx context.Context, id string) (*models.StockLog, error)
}

// CheckBacker answers check-backs for decrement messages. The relay uses it
// without the rest of the coordinator.
type CheckBacker struct {
	ledger  ledgerReader
	logg    *logger.Logger
	metrics *metrics.TxMessageMetrics
}

func NewCheckBacker(ledger ledgerReader, logg *logger.Logger, m *metrics.TxMessageMetrics) (*CheckBacker, error) {
	if ledger == nil {
		return nil, errors.New("stock log ledger is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &CheckBacker{ledger: ledger, logg: logg, metrics: m}, nil
}

// CheckBack maps ledger state to an outcome. It never writes.
//
//	missing, INIT, undecodable -> unknown
//	DECREMENTED                -> commit
//	ROLLED_BACK                -> rollback
func (c *CheckBacker) CheckBack(ctx context.Context, msg txmsg.Message) (outcome txmsg.Outcome) {
	ctx = c.logg.WithFields(ctx, map[string]any{
		"message_id":  msg.ID.String(),
		"check_count": msg.CheckCount,
	})
	defer func() {
		c.metrics.ObserveOutcome(metrics.SourceCheckback, outcome.String())
	}()

	body, err := DecodeDecrementBody(msg.Envelope.Body)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "undecodable decrement body")
		return txmsg.OutcomeUnknown
	}
	ctx = c.logg.WithStockLogID(ctx, body.StockLogID)

	entry, err := c.ledger.Get(ctx, body.StockLogID)
	if err != nil {
		if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "check-back ledger read failed")
		}
		return txmsg.OutcomeUnknown
	}

	switch entry.Status {
	case enums.StockLogDecremented:
		return txmsg.OutcomeCommit
	case enums.StockLogRolledBack:
		return txmsg.OutcomeRollback
	default:
		return txmsg.OutcomeUnknown
	}
}
