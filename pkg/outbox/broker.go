package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

const defaultCheckbackDelay = 6 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type messageStore interface {
	InsertHalfTx(tx *gorm.DB, row models.TxMessage) error
	ResolveTx(tx *gorm.DB, id uuid.UUID, to enums.TxMessageState) (bool, error)
}

type BrokerParams struct {
	DB             txRunner
	Repository     messageStore
	Reconcilers    *ReconcilerRegistry
	Logger         *logger.Logger
	CheckbackDelay time.Duration
	Clock          func() time.Time
}

// Broker implements txmsg.Broker on top of the tx_messages table. Committed rows
// are delivered by the message relay; half rows are resolved by its check-back loop.
type Broker struct {
	db             txRunner
	repo           messageStore
	reconcilers    *ReconcilerRegistry
	logg           *logger.Logger
	checkbackDelay time.Duration
	now            func() time.Time
}

var _ txmsg.Broker = (*Broker)(nil)

func NewBroker(params BrokerParams) (*Broker, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("message repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	registry := params.Reconcilers
	if registry == nil {
		registry = NewReconcilerRegistry()
	}
	delay := params.CheckbackDelay
	if delay <= 0 {
		delay = defaultCheckbackDelay
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Broker{
		db:             params.DB,
		repo:           params.Repository,
		reconcilers:    registry,
		logg:           params.Logger,
		checkbackDelay: delay,
		now:            clock,
	}, nil
}

// Reconcilers exposes the registry shared with the relay.
func (b *Broker) Reconcilers() *ReconcilerRegistry {
	return b.reconcilers
}

// SendTransactional prepares a half message, runs exec, and applies its outcome.
// A nil error with OutcomeUnknown means the message waits for check-back.
func (b *Broker) SendTransactional(ctx context.Context, env txmsg.Envelope, exec txmsg.Executor, reconcile txmsg.Reconciler) (txmsg.SendResult, error) {
	if err := validateEnvelope(env); err != nil {
		return txmsg.SendResult{}, err
	}
	if exec == nil {
		return txmsg.SendResult{}, pkgerrors.New(pkgerrors.CodeValidation, "executor is required")
	}
	b.reconcilers.Register(env.Topic, reconcile)
	if _, ok := b.reconcilers.Lookup(env.Topic); !ok {
		return txmsg.SendResult{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("no reconciler registered for topic %s", env.Topic))
	}

	id := uuid.New()
	ctx = b.logg.WithFields(ctx, map[string]any{
		"message_id": id.String(),
		"topic":      env.Topic,
		"tag":        env.Tag,
		"key":        env.Key,
	})

	row := models.TxMessage{
		ID:          id,
		Topic:       env.Topic,
		Tag:         env.Tag,
		MessageKey:  env.Key,
		Body:        json.RawMessage(env.Body),
		NextCheckAt: b.now().UTC().Add(b.checkbackDelay),
	}
	if err := b.db.WithTx(ctx, func(tx *gorm.DB) error {
		return b.repo.InsertHalfTx(tx, row)
	}); err != nil {
		return txmsg.SendResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "prepare half message")
	}

	outcome := b.execute(ctx, exec)
	result := txmsg.SendResult{MessageID: id, Outcome: outcome}

	var target enums.TxMessageState
	switch outcome {
	case txmsg.OutcomeCommit:
		target = enums.TxMessageCommitted
	case txmsg.OutcomeRollback:
		target = enums.TxMessageRolledBack
	default:
		b.logg.Warn(ctx, "local transaction outcome unknown; awaiting check-back")
		return result, nil
	}

	var applied bool
	if err := b.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		applied, err = b.repo.ResolveTx(tx, id, target)
		return err
	}); err != nil {
		b.logg.Error(ctx, "failed to finalize half message", err)
		return txmsg.SendResult{MessageID: id, Outcome: txmsg.OutcomeUnknown}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize half message")
	}
	if !applied {
		// A concurrent check-back already resolved the row; its verdict stands.
		b.logg.Warn(ctx, "half message already resolved")
	}
	b.logg.Info(b.logg.WithField(ctx, "outcome", outcome.String()), "half message finalized")
	return result, nil
}

func (b *Broker) execute(ctx context.Context, exec txmsg.Executor) (outcome txmsg.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logg.Error(ctx, "local transaction panicked", fmt.Errorf("panic: %v", r))
			outcome = txmsg.OutcomeUnknown
		}
	}()
	return exec(ctx)
}

func validateEnvelope(env txmsg.Envelope) error {
	if env.Topic == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "topic is required")
	}
	if len(env.Body) == 0 || !json.Valid(env.Body) {
		return pkgerrors.New(pkgerrors.CodeValidation, "message body must be valid json")
	}
	return nil
}
