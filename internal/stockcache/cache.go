// Package stockcache reserves stock in Redis ahead of the order transaction.
package stockcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// decreaseScript takes amount from the item's stock only when enough remains.
const decreaseScript = `
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return 0
end

current = tonumber(current)
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return 0
`

type redisStore interface {
	EvalInt(ctx context.Context, script string, keys []string, args ...any) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	StockKey(itemID int64) string
}

// Cache is the Redis-backed reservation.
type Cache struct {
	store redisStore
}

func New(store redisStore) (*Cache, error) {
	if store == nil {
		return nil, errors.New("redis store required")
	}
	return &Cache{store: store}, nil
}

// TryDecrease reserves amount units. It reports false when the item has no cached
// stock or not enough of it.
func (c *Cache) TryDecrease(ctx context.Context, itemID int64, amount int) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("amount must be positive, got %d", amount)
	}
	result, err := c.store.EvalInt(ctx, decreaseScript, []string{c.store.StockKey(itemID)}, amount)
	if err != nil {
		return false, fmt.Errorf("decrease stock for item %d: %w", itemID, err)
	}
	return result == 1, nil
}

// Increase returns amount units to the item's stock.
func (c *Cache) Increase(ctx context.Context, itemID int64, amount int) error {
	if amount <= 0 {
		return nil
	}
	if _, err := c.store.IncrBy(ctx, c.store.StockKey(itemID), int64(amount)); err != nil {
		return fmt.Errorf("increase stock for item %d: %w", itemID, err)
	}
	return nil
}

// Seed sets the cached stock for an item, replacing any previous value.
func (c *Cache) Seed(ctx context.Context, itemID int64, stock int64) error {
	if stock < 0 {
		return fmt.Errorf("stock must be non-negative, got %d", stock)
	}
	return c.store.Set(ctx, c.store.StockKey(itemID), stock, 0)
}
