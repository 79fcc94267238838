// Package redis implements the Inventory collaborator and an applied-key
// ledger on Redis.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"garagecore/pkg/domain"
)

const (
	onHandKeyPrefix   = "garage:stock:"
	reservedKeyPrefix = "garage:reserved:"
	appliedKeyPrefix  = "garage:applied:"
)

// applyStockScript atomically checks the idempotency key, verifies available
// stock and applies an allocation, deduction or restore.
// Returns 1 when applied, 2 when the key was already applied, 0 when short.
// Idempotency keys never expire: a dead letter may be redriven at any age.
var applyStockScript = goredis.NewScript(`
local onhand_key = KEYS[1]
local reserved_key = KEYS[2]
local idem_key = KEYS[3]
local quantity = tonumber(ARGV[1])
local mode = ARGV[2]

if redis.call('EXISTS', idem_key) == 1 then
	return 2
end

if mode == 'restore' then
	redis.call('INCRBY', onhand_key, quantity)
	redis.call('SET', idem_key, 1)
	return 1
end

local onhand = tonumber(redis.call('GET', onhand_key) or '0')
local reserved = tonumber(redis.call('GET', reserved_key) or '0')
if onhand - reserved < quantity then
	return 0
end

if mode == 'allocate' then
	redis.call('INCRBY', reserved_key, quantity)
else
	redis.call('DECRBY', onhand_key, quantity)
end
redis.call('SET', idem_key, 1)
return 1
`)

// Inventory keeps stock counters in Redis.
type Inventory struct {
	client *goredis.Client
}

// NewInventory wraps a connected client.
func NewInventory(client *goredis.Client) *Inventory {
	return &Inventory{client: client}
}

// SetStock overwrites the on-hand quantity of an item and clears reservations.
func (r *Inventory) SetStock(ctx context.Context, itemID string, qty int64) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, onHandKeyPrefix+itemID, qty, 0)
	pipe.Del(ctx, reservedKeyPrefix+itemID)
	_, err := pipe.Exec(ctx)
	return err
}

// Stock returns on-hand and reserved quantities.
func (r *Inventory) Stock(ctx context.Context, itemID string) (onHand, reserved int64, err error) {
	onHand, err = r.intOrZero(ctx, onHandKeyPrefix+itemID)
	if err != nil {
		return 0, 0, err
	}
	reserved, err = r.intOrZero(ctx, reservedKeyPrefix+itemID)
	return onHand, reserved, err
}

func (r *Inventory) intOrZero(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *Inventory) CheckStock(ctx context.Context, itemID string, qty int64) (bool, error) {
	onHand, reserved, err := r.Stock(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("read stock %s: %w", itemID, err)
	}
	return onHand-reserved >= qty, nil
}

func (r *Inventory) Allocate(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return r.apply(ctx, "allocate", itemID, qty, key)
}

func (r *Inventory) Deduct(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return r.apply(ctx, "deduct", itemID, qty, key)
}

func (r *Inventory) Restore(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return r.apply(ctx, "restore", itemID, qty, key)
}

func (r *Inventory) apply(ctx context.Context, mode, itemID string, qty int64, key string) (domain.Receipt, error) {
	if qty <= 0 {
		return domain.Receipt{}, fmt.Errorf("%s %s: quantity must be positive", mode, itemID)
	}
	keys := []string{onHandKeyPrefix + itemID, reservedKeyPrefix + itemID, appliedKeyPrefix + mode + ":" + key}
	result, err := applyStockScript.Run(ctx, r.client, keys, qty, mode).Int()
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%s %s: %w", mode, itemID, err)
	}
	switch result {
	case 1:
		return domain.Receipt{Key: key}, nil
	case 2:
		return domain.Receipt{Key: key, Duplicate: true}, nil
	default:
		return domain.Receipt{}, fmt.Errorf("%s %d x %s: %w", mode, qty, itemID, domain.ErrInsufficientStock)
	}
}
