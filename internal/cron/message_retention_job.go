package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/stockflow/pkg/logger"
)

const messageRetentionDays = 30

type resolvedMessagePruner interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type deadLetterPruner interface {
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type MessageRetentionJobParams struct {
	Logger      *logger.Logger
	Messages    resolvedMessagePruner
	DeadLetters deadLetterPruner
	Retention   int
}

// NewMessageRetentionJob prunes finished transactional messages and old dead
// letters. Half and committed rows are never touched.
func NewMessageRetentionJob(params MessageRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Messages == nil {
		return nil, fmt.Errorf("message repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = messageRetentionDays
	}
	return &messageRetentionJob{
		logg:        params.Logger,
		messages:    params.Messages,
		deadLetters: params.DeadLetters,
		retention:   retention,
		now:         time.Now,
	}, nil
}

type messageRetentionJob struct {
	logg        *logger.Logger
	messages    resolvedMessagePruner
	deadLetters deadLetterPruner
	retention   int
	now         func() time.Time
}

func (j *messageRetentionJob) Name() string { return "message-retention" }

func (j *messageRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)

	var errs error
	messages, err := j.messages.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("prune messages: %w", err))
	}
	var deadLetters int64
	if j.deadLetters != nil {
		deadLetters, err = j.deadLetters.DeleteFailedBefore(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune dead letters: %w", err))
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":               cutoff,
		"retention_days":       j.retention,
		"messages_deleted":     messages,
		"dead_letters_deleted": deadLetters,
	}), "message retention cleanup complete")
	return errs
}
