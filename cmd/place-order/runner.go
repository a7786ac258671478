package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/stockflow/pkg/logger"
)

type ledgerCreator interface {
	Create(ctx context.Context, itemID int64, amount int) (string, error)
}

type decrementSender interface {
	SendTransactionalDecrement(ctx context.Context, userID, itemID int64, promoID *int64, amount int, stockLogID string) bool
	SendBestEffortDecrementHint(ctx context.Context, itemID int64, amount int) bool
}

type stockSeeder interface {
	Seed(ctx context.Context, itemID int64, stock int64) error
}

type options struct {
	UserID    int64
	ItemID    int64
	PromoID   int64
	Amount    int
	Count     int
	Workers   int
	Hint      bool
	SeedStock int64
}

func (o options) validate() error {
	if o.ItemID <= 0 {
		return errors.New("-item must be positive")
	}
	if o.UserID < 0 {
		return errors.New("-user must not be negative")
	}
	if o.Count <= 0 {
		return errors.New("-count must be positive")
	}
	return nil
}

func (o options) promo() *int64 {
	if o.PromoID <= 0 {
		return nil
	}
	id := o.PromoID
	return &id
}

type summary struct {
	Committed    int64
	NotCommitted int64
	Failed       int64
	// RollbackMarkFailures counts stock logs left INIT after a failed order.
	RollbackMarkFailures int64
}

func (s summary) String() string {
	return fmt.Sprintf("committed=%d not_committed=%d failed=%d rollback_mark_failures=%d",
		s.Committed, s.NotCommitted, s.Failed, s.RollbackMarkFailures)
}

type runner struct {
	logg   *logger.Logger
	ledger ledgerCreator
	sender decrementSender
	seeder stockSeeder
}

// run places Count orders across Workers goroutines. A ledger failure counts as
// failed and does not stop the other sends.
func (r *runner) run(ctx context.Context, opts options) (summary, error) {
	if err := opts.validate(); err != nil {
		return summary{}, err
	}
	if opts.SeedStock > 0 {
		if r.seeder == nil {
			return summary{}, errors.New("stock seeding is not configured")
		}
		if err := r.seeder.Seed(ctx, opts.ItemID, opts.SeedStock); err != nil {
			return summary{}, fmt.Errorf("seed stock: %w", err)
		}
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{"item_id": opts.ItemID, "stock": opts.SeedStock}), "stock seeded")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var committed, notCommitted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < opts.Count; i++ {
		g.Go(func() error {
			if opts.Hint {
				if r.sender.SendBestEffortDecrementHint(gctx, opts.ItemID, opts.Amount) {
					committed.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			}

			stockLogID, err := r.ledger.Create(gctx, opts.ItemID, opts.Amount)
			if err != nil {
				r.logg.Error(gctx, "failed to create stock log", err)
				failed.Add(1)
				return nil
			}
			if r.sender.SendTransactionalDecrement(gctx, opts.UserID, opts.ItemID, opts.promo(), opts.Amount, stockLogID) {
				committed.Add(1)
			} else {
				notCommitted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary{}, err
	}

	return summary{
		Committed:    committed.Load(),
		NotCommitted: notCommitted.Load(),
		Failed:       failed.Load(),
	}, ctx.Err()
}
