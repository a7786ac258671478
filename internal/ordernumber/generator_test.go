package ordernumber

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/dbtest"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
)

func fixedClock() time.Time {
	return time.Date(2024, time.May, 1, 10, 30, 0, 0, time.UTC)
}

func newTestGenerator(t *testing.T, start int64) (*Generator, *Repository, *db.Client) {
	t.Helper()
	client := dbtest.Open(t, &models.Sequence{})
	repo := NewRepository(client.DB())
	require.NoError(t, repo.Ensure(context.Background(), DefaultSequence, start, 1))
	gen, err := NewGenerator(GeneratorParams{DB: client, Repository: repo, Clock: fixedClock})
	require.NoError(t, err)
	return gen, repo, client
}

func TestFormat(t *testing.T) {
	id, err := Format(fixedClock(), 7, "00")
	require.NoError(t, err)
	assert.Equal(t, "2024050100000700", id)
	assert.Len(t, id, 16)

	id, err = Format(fixedClock(), 999999, "00")
	require.NoError(t, err)
	assert.Equal(t, "2024050199999900", id)

	_, err = Format(fixedClock(), 1000000, "00")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeSequenceExhausted))
	assert.True(t, pkgerrors.IsDomain(err))
}

func TestNextUsesSequence(t *testing.T) {
	gen, _, _ := newTestGenerator(t, 7)
	ctx := context.Background()

	first, err := gen.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024050100000700", first)

	second, err := gen.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024050100000800", second)
}

func TestNextSurvivesCallerRollback(t *testing.T) {
	gen, _, client := newTestGenerator(t, 1)
	ctx := context.Background()

	_ = client.WithTx(ctx, func(*gorm.DB) error {
		return errors.New("order failed")
	})
	_, err := gen.Next(ctx)
	require.NoError(t, err)

	var seq models.Sequence
	require.NoError(t, client.DB().Where("name = ?", DefaultSequence).First(&seq).Error)
	assert.Equal(t, int64(2), seq.CurrentValue)
}

func TestNextExhausted(t *testing.T) {
	gen, _, _ := newTestGenerator(t, 1000000)
	_, err := gen.Next(context.Background())
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeSequenceExhausted))
}

func TestNextMissingSequence(t *testing.T) {
	client := dbtest.Open(t, &models.Sequence{})
	gen, err := NewGenerator(GeneratorParams{DB: client, Repository: NewRepository(client.DB()), Sequence: "absent"})
	require.NoError(t, err)

	_, err = gen.Next(context.Background())
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInconsistency))
}

func TestEnsureKeepsExistingValue(t *testing.T) {
	_, repo, client := newTestGenerator(t, 42)
	require.NoError(t, repo.Ensure(context.Background(), DefaultSequence, 1, 1))

	var seq models.Sequence
	require.NoError(t, client.DB().Where("name = ?", DefaultSequence).First(&seq).Error)
	assert.Equal(t, int64(42), seq.CurrentValue)
}

func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	gen, _, _ := newTestGenerator(t, 1)
	ctx := context.Background()

	const workers = 20
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = gen.Next(ctx)
		}(i)
	}
	wg.Wait()

	seen := map[string]struct{}{}
	for i := range ids {
		require.NoError(t, errs[i])
		_, dup := seen[ids[i]]
		require.False(t, dup, "duplicate id %s", ids[i])
		seen[ids[i]] = struct{}{}
	}
	sort.Strings(ids)
	assert.Equal(t, "2024050100000100", ids[0])
	assert.Equal(t, "2024050100002000", ids[workers-1])
}

func TestConcurrentAllocationsAcrossConnections(t *testing.T) {
	client := dbtest.OpenPool(t, 4, &models.Sequence{})
	repo := NewRepository(client.DB())
	ctx := context.Background()
	require.NoError(t, repo.Ensure(ctx, DefaultSequence, 1, 1))
	gen, err := NewGenerator(GeneratorParams{DB: client, Repository: repo, Clock: fixedClock})
	require.NoError(t, err)

	const (
		workers = 8
		perWork = 25
	)
	ids := make([][]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				id, err := gen.Next(ctx)
				if err != nil {
					errs[w] = err
					return
				}
				ids[w] = append(ids[w], id)
			}
		}(w)
	}
	wg.Wait()

	seen := map[string]struct{}{}
	for w := range ids {
		require.NoError(t, errs[w])
		// each worker observes its own allocations in increasing order
		require.True(t, sort.StringsAreSorted(ids[w]), "worker %d saw %v", w, ids[w])
		for _, id := range ids[w] {
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %s", id)
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, workers*perWork)

	var seq models.Sequence
	require.NoError(t, client.DB().Where("name = ?", DefaultSequence).First(&seq).Error)
	assert.Equal(t, int64(1+workers*perWork), seq.CurrentValue)
}

func TestNewGeneratorRejectsBadShard(t *testing.T) {
	client := dbtest.Open(t, &models.Sequence{})
	_, err := NewGenerator(GeneratorParams{DB: client, Repository: NewRepository(client.DB()), Shard: "0a"})
	assert.Error(t, err)
}
