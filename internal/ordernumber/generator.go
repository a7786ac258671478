// Package ordernumber builds 16-character order ids: yyyyMMdd, a 6-digit
// zero-padded sequence value, and a 2-digit shard suffix.
package ordernumber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
)

const (
	DefaultSequence = "order_info"
	DefaultShard    = "00"

	dateLayout  = "20060102"
	maxSequence = 999999
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type allocator interface {
	AllocateTx(ctx context.Context, tx *gorm.DB, name string) (int64, error)
}

type GeneratorParams struct {
	DB         txRunner
	Repository allocator
	Sequence   string
	Shard      string
	Clock      func() time.Time
}

type Generator struct {
	db       txRunner
	repo     allocator
	sequence string
	shard    string
	now      func() time.Time
}

func NewGenerator(params GeneratorParams) (*Generator, error) {
	if params.DB == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("sequence repository is required")
	}
	sequence := params.Sequence
	if sequence == "" {
		sequence = DefaultSequence
	}
	shard := params.Shard
	if shard == "" {
		shard = DefaultShard
	}
	if !validShard(shard) {
		return nil, fmt.Errorf("shard suffix must be two digits, got %q", shard)
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Generator{
		db:       params.DB,
		repo:     params.Repository,
		sequence: sequence,
		shard:    shard,
		now:      clock,
	}, nil
}

// Next allocates a value in its own transaction. A value allocated for an order
// that later fails is not returned to the sequence.
func (g *Generator) Next(ctx context.Context) (string, error) {
	var value int64
	err := g.db.WithTx(ctx, func(tx *gorm.DB) error {
		v, err := g.repo.AllocateTx(ctx, tx, g.sequence)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSequenceNotFound) {
			return "", pkgerrors.Wrap(pkgerrors.CodeInconsistency, err, fmt.Sprintf("sequence %s is not seeded", g.sequence))
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "allocate order sequence")
	}
	return Format(g.now(), value, g.shard)
}

// Format renders an order id. Sequence values outside 0..999999 are rejected.
func Format(date time.Time, seq int64, shard string) (string, error) {
	if seq < 0 || seq > maxSequence {
		return "", pkgerrors.New(pkgerrors.CodeSequenceExhausted, "order sequence exceeds six digits").
			WithDetails(map[string]any{"value": seq})
	}
	return date.Format(dateLayout) + fmt.Sprintf("%06d", seq) + shard, nil
}

func validShard(shard string) bool {
	if len(shard) != 2 {
		return false
	}
	for _, r := range shard {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
