package stockcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

// fakeStore evaluates the decrease script semantics in memory.
type fakeStore struct {
	values  map[string]int64
	evalErr error
	scripts []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]int64{}}
}

func (f *fakeStore) EvalInt(_ context.Context, script string, keys []string, args ...any) (int64, error) {
	f.scripts = append(f.scripts, script)
	if f.evalErr != nil {
		return 0, f.evalErr
	}
	current, ok := f.values[keys[0]]
	if !ok {
		return 0, nil
	}
	quantity, _ := strconv.ParseInt(fmt.Sprint(args[0]), 10, 64)
	if current >= quantity {
		f.values[keys[0]] = current - quantity
		return 1, nil
	}
	return 0, nil
}

func (f *fakeStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.values[key] += delta
	return f.values[key], nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	n, err := strconv.ParseInt(fmt.Sprint(value), 10, 64)
	if err != nil {
		return err
	}
	f.values[key] = n
	return nil
}

func (f *fakeStore) StockKey(itemID int64) string {
	return "sf:stock:" + strconv.FormatInt(itemID, 10)
}

func TestTryDecrease(t *testing.T) {
	store := newFakeStore()
	cache, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if ok, err := cache.TryDecrease(ctx, 1, 1); err != nil || ok {
		t.Fatalf("unseeded item must not reserve, ok=%v err=%v", ok, err)
	}
	if err := cache.Seed(ctx, 1, 3); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if ok, err := cache.TryDecrease(ctx, 1, 2); err != nil || !ok {
		t.Fatalf("expected reservation, ok=%v err=%v", ok, err)
	}
	if ok, _ := cache.TryDecrease(ctx, 1, 2); ok {
		t.Fatalf("only one unit left; reservation of 2 must fail")
	}
	if err := cache.Increase(ctx, 1, 2); err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if got := store.values["sf:stock:1"]; got != 3 {
		t.Fatalf("expected stock 3 after release, got %d", got)
	}
}

func TestTryDecreaseErrors(t *testing.T) {
	store := newFakeStore()
	store.evalErr = errors.New("READONLY")
	cache, _ := New(store)

	if _, err := cache.TryDecrease(context.Background(), 1, 1); !errors.Is(err, store.evalErr) {
		t.Fatalf("expected redis error, got %v", err)
	}
	if _, err := cache.TryDecrease(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
	if err := cache.Seed(context.Background(), 1, -1); err == nil {
		t.Fatalf("expected error for negative stock")
	}
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
