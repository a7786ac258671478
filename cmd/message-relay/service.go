package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/outbox"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

const (
	defaultBatchSize         = 50
	defaultPollMs            = 500
	defaultMaxAttempts       = 10
	defaultCheckbackInterval = time.Minute
	defaultMaxCheckbacks     = 15
	maxBackoff               = 10 * time.Second
	jitterWindow             = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type messageRepository interface {
	FetchCommittedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.TxMessage, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, from enums.TxMessageState, err error) (bool, error)
	ClaimDueHalfTx(tx *gorm.DB, now time.Time, limit int, interval time.Duration) ([]models.TxMessage, error)
	ResolveTx(tx *gorm.DB, id uuid.UUID, to enums.TxMessageState) (bool, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.TxMessageDLQ) error
}

type reconcilerLookup interface {
	Lookup(topic string) (txmsg.Reconciler, bool)
}

type pinger interface {
	Ping(context.Context) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Repository    messageRepository
	DLQRepository dlqRepository
	Sender        txmsg.Sender
	Reconcilers   reconcilerLookup
	Metrics       *metrics.TxMessageMetrics
	Clock         func() time.Time
}

// Service delivers committed messages to the transport and resolves half
// messages whose local outcome was never reported.
type Service struct {
	logg              *logger.Logger
	db                dbClient
	repo              messageRepository
	dlq               dlqRepository
	sender            txmsg.Sender
	reconcilers       reconcilerLookup
	metrics           *metrics.TxMessageMetrics
	now               func() time.Time
	batchSize         int
	maxAttempts       int
	pollInterval      time.Duration
	checkbackInterval time.Duration
	checkbackBatch    int
	maxCheckbacks     int
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("message repository is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if params.Reconcilers == nil {
		return nil, errors.New("reconciler registry is required")
	}

	cfg := params.Config.Outbox
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := cfg.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := cfg.CheckbackInterval
	if interval <= 0 {
		interval = defaultCheckbackInterval
	}
	checkbackBatch := cfg.CheckbackBatchSize
	if checkbackBatch <= 0 {
		checkbackBatch = defaultBatchSize
	}
	maxCheckbacks := cfg.MaxCheckbacks
	if maxCheckbacks <= 0 {
		maxCheckbacks = defaultMaxCheckbacks
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		logg:              params.Logger,
		db:                params.DB,
		repo:              params.Repository,
		dlq:               params.DLQRepository,
		sender:            params.Sender,
		reconcilers:       params.Reconcilers,
		metrics:           params.Metrics,
		now:               clock,
		batchSize:         batch,
		maxAttempts:       maxAttempts,
		pollInterval:      time.Duration(pollMs) * time.Millisecond,
		checkbackInterval: interval,
		checkbackBatch:    checkbackBatch,
		maxCheckbacks:     maxCheckbacks,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if p, ok := s.sender.(pinger); ok {
		if err := pingDependency(ctx, s.logg, "transport", p.Ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run drives the publish and check-back loops until ctx is canceled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(s.logg.WithField(gctx, "loop", "publish"), s.processBatch)
	})
	g.Go(func() error {
		return s.loop(s.logg.WithField(gctx, "loop", "checkback"), s.processCheckbacks)
	})
	return g.Wait()
}

func (s *Service) loop(ctx context.Context, step func(context.Context) (bool, error)) error {
	interval := s.pollInterval
	backoff := interval
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "relay loop context canceled")
			return ctx.Err()
		default:
		}

		processed, err := step(ctx)
		if err != nil {
			s.logg.Error(ctx, "relay batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval
		if processed {
			continue
		}
		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch hands committed rows to the transport. Rows are locked for the
// duration of the batch so concurrent relays skip them.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchCommittedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		processed = true
		for _, row := range rows {
			fields := s.messageFields(row)
			sendErr := s.sender.Send(ctx, envelopeOf(row))
			if sendErr == nil {
				if markErr := s.repo.MarkPublishedTx(tx, row.ID); markErr != nil {
					return fmt.Errorf("mark published %s: %w", row.ID, markErr)
				}
				s.metrics.ObservePublish(row.Topic, metrics.ResultAcked)
				s.logg.Info(s.logg.WithFields(ctx, fields), "message published")
				continue
			}

			s.metrics.ObservePublish(row.Topic, metrics.ResultError)
			var nonRetry outbox.NonRetryableError
			if errors.As(sendErr, &nonRetry) {
				if markErr := s.park(ctx, tx, row, enums.TxMessageCommitted, enums.DLQReasonNonRetryable, sendErr, fields); markErr != nil {
					return markErr
				}
				continue
			}

			nextAttempt := row.AttemptCount + 1
			fields["attempt_count"] = nextAttempt
			if nextAttempt >= s.maxAttempts {
				terminalErr := fmt.Errorf("max publish attempts reached: %w", sendErr)
				if markErr := s.park(ctx, tx, row, enums.TxMessageCommitted, enums.DLQReasonMaxAttempts, terminalErr, fields); markErr != nil {
					return markErr
				}
				continue
			}

			warnCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", sendErr.Error())
			s.logg.Warn(warnCtx, "message publish failed")
			if markErr := s.repo.MarkFailedTx(tx, row.ID, sendErr); markErr != nil {
				return fmt.Errorf("mark failure %s: %w", row.ID, markErr)
			}
		}
		return nil
	})
	return processed, err
}

// processCheckbacks asks the topic's reconciler about each due half message.
// Reconcilers run outside the claiming transaction; the resolve is guarded on
// the half state so a late local verdict is never overwritten.
func (s *Service) processCheckbacks(ctx context.Context) (bool, error) {
	var rows []models.TxMessage
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		rows, err = s.repo.ClaimDueHalfTx(tx, s.now().UTC(), s.checkbackBatch, s.checkbackInterval)
		return err
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	for _, row := range rows {
		fields := s.messageFields(row)
		fields["check_count"] = row.CheckCount
		rowCtx := s.logg.WithFields(ctx, fields)

		outcome := s.reconcile(rowCtx, row)
		var target enums.TxMessageState
		switch outcome {
		case txmsg.OutcomeCommit:
			target = enums.TxMessageCommitted
		case txmsg.OutcomeRollback:
			target = enums.TxMessageRolledBack
		default:
			if row.CheckCount < s.maxCheckbacks {
				s.logg.Debug(rowCtx, "check-back outcome still unknown")
				continue
			}
			err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
				cause := fmt.Errorf("outcome unknown after %d check-backs", row.CheckCount)
				return s.park(ctx, tx, row, enums.TxMessageHalf, enums.DLQReasonCheckbackExhausted, cause, fields)
			})
			if err != nil {
				return true, err
			}
			continue
		}

		var applied bool
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			applied, err = s.repo.ResolveTx(tx, row.ID, target)
			return err
		})
		if err != nil {
			return true, fmt.Errorf("resolve %s: %w", row.ID, err)
		}
		if !applied {
			s.logg.Warn(rowCtx, "half message already resolved")
			continue
		}
		s.logg.Info(s.logg.WithField(rowCtx, "outcome", outcome.String()), "half message resolved by check-back")
	}
	return true, nil
}

func (s *Service) reconcile(ctx context.Context, row models.TxMessage) (outcome txmsg.Outcome) {
	reconcile, ok := s.reconcilers.Lookup(row.Topic)
	if !ok {
		s.logg.Warn(ctx, "no reconciler registered for topic")
		return txmsg.OutcomeUnknown
	}
	defer func() {
		if r := recover(); r != nil {
			s.logg.Error(ctx, "reconciler panicked", fmt.Errorf("panic: %v", r))
			outcome = txmsg.OutcomeUnknown
		}
	}()
	return reconcile(ctx, txmsg.Message{
		ID:         row.ID,
		Envelope:   envelopeOf(row),
		CheckCount: row.CheckCount,
		CreatedAt:  row.CreatedAt,
	})
}

// park discards the row and copies it to the dead-letter table. Nothing is
// written when the row already left from.
func (s *Service) park(ctx context.Context, tx *gorm.DB, row models.TxMessage, from enums.TxMessageState, reason enums.TxMessageDLQReason, err error, fields map[string]any) error {
	fields["error_reason"] = reason
	warnCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())

	applied, markErr := s.repo.MarkTerminalTx(tx, row.ID, from, err)
	if markErr != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, markErr)
	}
	if !applied {
		s.logg.Warn(warnCtx, "message changed state before it could be parked")
		return nil
	}
	s.logg.Warn(warnCtx, "message will not be retried")

	msg := err.Error()
	entry := models.TxMessageDLQ{
		MessageID:    row.ID,
		Topic:        row.Topic,
		Tag:          row.Tag,
		MessageKey:   row.MessageKey,
		Body:         row.Body,
		ErrorReason:  reason,
		ErrorMessage: &msg,
		AttemptCount: row.AttemptCount,
		CheckCount:   row.CheckCount,
	}
	if insertErr := s.dlq.InsertTx(tx, entry); insertErr != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, insertErr)
	}
	return nil
}

func envelopeOf(row models.TxMessage) txmsg.Envelope {
	return txmsg.Envelope{
		Topic: row.Topic,
		Tag:   row.Tag,
		Key:   row.MessageKey,
		Body:  row.Body,
	}
}

func (s *Service) messageFields(row models.TxMessage) map[string]any {
	fields := map[string]any{
		"message_id":    row.ID.String(),
		"topic":         row.Topic,
		"tag":           row.Tag,
		"key":           row.MessageKey,
		"state":         row.State,
		"attempt_count": row.AttemptCount,
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(jitterWindow)))
	return d + jitter
}
