// Package stockmsg delivers stock decrement messages transactionally with the
// order that justifies them.
package stockmsg

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockflow/internal/orders"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

const (
	DefaultTopic     = "stock"
	DefaultTag       = "increase"
	DefaultHintTopic = "stock-hint"

	// GuardScope namespaces send-once claims on stock log ids.
	GuardScope = "txmsg"
)

type orderCreator interface {
	CreateOrder(ctx context.Context, input orders.CreateOrderInput) (*models.Order, error)
}

type ledger interface {
	Get(ctx context.Context, id string) (*models.StockLog, error)
	MarkRolledBack(ctx context.Context, id string) error
}

type sendGuard interface {
	CheckAndClaim(ctx context.Context, scope, id string) (bool, error)
	Release(ctx context.Context, scope, id string) error
}

type CoordinatorParams struct {
	Broker    txmsg.Broker
	Sender    txmsg.Sender
	Orders    orderCreator
	Ledger    ledger
	Guard     sendGuard
	Metrics   *metrics.TxMessageMetrics
	Logger    *logger.Logger
	Topic     string
	Tag       string
	HintTopic string
}

// Coordinator runs the order workflow as the local transaction of a half
// message and answers check-backs from the stock log ledger.
type Coordinator struct {
	broker    txmsg.Broker
	sender    txmsg.Sender
	orders    orderCreator
	ledger    ledger
	guard     sendGuard
	checker   *CheckBacker
	metrics   *metrics.TxMessageMetrics
	logg      *logger.Logger
	topic     string
	tag       string
	hintTopic string
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	if params.Broker == nil {
		return nil, errors.New("transactional broker is required")
	}
	if params.Orders == nil {
		return nil, errors.New("order workflow is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("stock log ledger is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	c := &Coordinator{
		broker:    params.Broker,
		sender:    params.Sender,
		orders:    params.Orders,
		ledger:    params.Ledger,
		guard:     params.Guard,
		metrics:   params.Metrics,
		logg:      params.Logger,
		topic:     strings.TrimSpace(params.Topic),
		tag:       strings.TrimSpace(params.Tag),
		hintTopic: strings.TrimSpace(params.HintTopic),
	}
	if c.guard == nil {
		c.logg.Warn(context.Background(), "send-once guard disabled; callers must keep one sending path per stock log")
	}
	checker, err := NewCheckBacker(params.Ledger, params.Logger, params.Metrics)
	if err != nil {
		return nil, err
	}
	c.checker = checker
	if c.topic == "" {
		c.topic = DefaultTopic
	}
	if c.tag == "" {
		c.tag = DefaultTag
	}
	if c.hintTopic == "" {
		c.hintTopic = DefaultHintTopic
	}
	return c, nil
}

// Topic is the topic transactional decrements are sent on. The relay needs it
// to route check-backs back to CheckBack.
func (c *Coordinator) Topic() string {
	return c.topic
}

// SendTransactionalDecrement reports true only when the decrement message was
// committed. Workflow errors are absorbed into the outcome.
func (c *Coordinator) SendTransactionalDecrement(ctx context.Context, userID, itemID int64, promoID *int64, amount int, stockLogID string) bool {
	ctx = c.logg.WithStockLogID(ctx, stockLogID)
	if strings.TrimSpace(stockLogID) == "" {
		c.logg.Warn(ctx, "refusing to send decrement without stock log id")
		c.metrics.ObserveSend(metrics.ResultError)
		return false
	}

	if c.guard != nil {
		claimed, err := c.guard.CheckAndClaim(ctx, GuardScope, stockLogID)
		switch {
		case err != nil:
			c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "send-once guard unavailable; continuing")
		case claimed:
			c.logg.Warn(ctx, "decrement already sent for stock log")
			c.metrics.ObserveSend(metrics.ResultSkipped)
			return false
		}
	}

	body, err := DecrementBody{ItemID: itemID, Amount: amount, StockLogID: stockLogID}.Marshal()
	if err != nil {
		c.logg.Error(ctx, "failed to encode decrement body", err)
		c.metrics.ObserveSend(metrics.ResultError)
		return false
	}
	env := txmsg.Envelope{Topic: c.topic, Tag: c.tag, Key: stockLogID, Body: body}
	execCtx := ExecutionContext{
		UserID:     userID,
		ItemID:     itemID,
		PromoID:    promoID,
		Amount:     amount,
		StockLogID: stockLogID,
	}

	result, err := c.broker.SendTransactional(ctx, env, func(ctx context.Context) txmsg.Outcome {
		return c.Execute(ctx, execCtx)
	}, c.CheckBack)
	if err != nil {
		c.logg.Error(ctx, "transactional send failed", err)
		c.metrics.ObserveSend(metrics.ResultError)
		if result.MessageID == uuid.Nil {
			c.releaseGuard(ctx, stockLogID)
		}
		return false
	}

	if result.Committed() {
		c.metrics.ObserveSend(metrics.ResultCommitted)
		return true
	}
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"message_id": result.MessageID.String(),
		"outcome":    result.Outcome.String(),
	}), "decrement message not committed")
	c.metrics.ObserveSend(metrics.ResultNotCommit)
	return false
}

// Execute is the local transaction. Domain failures roll the message back and
// mark the stock log ROLLED_BACK; anything else leaves the outcome unknown.
func (c *Coordinator) Execute(ctx context.Context, execCtx ExecutionContext) (outcome txmsg.Outcome) {
	ctx = c.logg.WithStockLogID(ctx, execCtx.StockLogID)
	defer func() {
		c.metrics.ObserveOutcome(metrics.SourceLocal, outcome.String())
	}()

	err := execCtx.Validate()
	if err == nil {
		_, err = c.orders.CreateOrder(ctx, orders.CreateOrderInput{
			UserID:     execCtx.UserID,
			ItemID:     execCtx.ItemID,
			PromoID:    execCtx.PromoID,
			Amount:     execCtx.Amount,
			StockLogID: execCtx.StockLogID,
		})
	}

	switch {
	case err == nil:
		return txmsg.OutcomeCommit
	case pkgerrors.IsDomain(err):
		c.logg.Info(c.logg.WithField(ctx, "reason", err.Error()), "local transaction rejected")
		c.markRolledBack(ctx, execCtx.StockLogID)
		return txmsg.OutcomeRollback
	case pkgerrors.HasCode(err, pkgerrors.CodeStateConflict):
		// The stock log was already resolved by another send; this message carries nothing.
		c.logg.Warn(c.logg.WithField(ctx, "reason", err.Error()), "stock log already resolved")
		return txmsg.OutcomeRollback
	default:
		c.logg.Error(ctx, "local transaction failed; outcome unknown", err)
		return txmsg.OutcomeUnknown
	}
}

func (c *Coordinator) markRolledBack(ctx context.Context, stockLogID string) {
	if err := c.ledger.MarkRolledBack(ctx, stockLogID); err != nil {
		c.logg.Error(ctx, "failed to mark stock log rolled back", err)
		c.metrics.IncRollbackMarkFailure()
	}
}

// CheckBack classifies a half message from committed ledger state.
func (c *Coordinator) CheckBack(ctx context.Context, msg txmsg.Message) txmsg.Outcome {
	return c.checker.CheckBack(ctx, msg)
}

// SendBestEffortDecrementHint is a plain send with no retry.
func (c *Coordinator) SendBestEffortDecrementHint(ctx context.Context, itemID int64, amount int) bool {
	ctx = c.logg.WithField(ctx, "item_id", itemID)
	if c.sender == nil {
		c.logg.Warn(ctx, "no hint sender configured")
		c.metrics.ObserveHint(metrics.ResultError)
		return false
	}
	body, err := DecrementBody{ItemID: itemID, Amount: amount}.Marshal()
	if err != nil {
		c.metrics.ObserveHint(metrics.ResultError)
		return false
	}
	env := txmsg.Envelope{
		Topic: c.hintTopic,
		Tag:   c.tag,
		Key:   strconv.FormatInt(itemID, 10),
		Body:  body,
	}
	if err := c.sender.Send(ctx, env); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "decrement hint not delivered")
		c.metrics.ObserveHint(metrics.ResultError)
		return false
	}
	c.metrics.ObserveHint(metrics.ResultAcked)
	return true
}

func (c *Coordinator) releaseGuard(ctx context.Context, stockLogID string) {
	if c.guard == nil {
		return
	}
	if err := c.guard.Release(ctx, GuardScope, stockLogID); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "failed to release send-once guard")
	}
}
