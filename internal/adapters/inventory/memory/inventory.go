// Package memory implements an in-process Inventory collaborator for tests
// and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"garagecore/pkg/domain"
)

// Item is the stock position of one inventory item.
type Item struct {
	OnHand   int64 `json:"on_hand"`
	Reserved int64 `json:"reserved"`
}

// Available returns stock that is neither consumed nor reserved.
func (i Item) Available() int64 { return i.OnHand - i.Reserved }

// Inventory tracks on-hand and reserved stock per item. Allocate, Deduct and
// Restore are idempotent on their key.
type Inventory struct {
	mu      sync.Mutex
	items   map[string]Item
	applied map[string]struct{}
	calls   map[string]int
}

// New returns an inventory seeded with on-hand quantities.
func New(seed map[string]int64) *Inventory {
	inv := &Inventory{
		items:   make(map[string]Item, len(seed)),
		applied: make(map[string]struct{}),
		calls:   make(map[string]int),
	}
	for id, qty := range seed {
		inv.items[id] = Item{OnHand: qty}
	}
	return inv
}

// Restock adds on-hand stock.
func (inv *Inventory) Restock(itemID string, qty int64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	item := inv.items[itemID]
	item.OnHand += qty
	inv.items[itemID] = item
}

// Item returns the stock position of an item.
func (inv *Inventory) Item(itemID string) Item {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.items[itemID]
}

// Calls reports how many times op ("allocate", "deduct" or "restore") was invoked,
// including duplicates.
func (inv *Inventory) Calls(op string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.calls[op]
}

func (inv *Inventory) CheckStock(ctx context.Context, itemID string, qty int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.items[itemID].Available() >= qty, nil
}

func (inv *Inventory) Allocate(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return inv.apply(ctx, "allocate", itemID, qty, key, func(item *Item) error {
		if item.Available() < qty {
			return domain.ErrInsufficientStock
		}
		item.Reserved += qty
		return nil
	})
}

func (inv *Inventory) Deduct(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return inv.apply(ctx, "deduct", itemID, qty, key, func(item *Item) error {
		if item.Available() < qty {
			return domain.ErrInsufficientStock
		}
		item.OnHand -= qty
		return nil
	})
}

func (inv *Inventory) Restore(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return inv.apply(ctx, "restore", itemID, qty, key, func(item *Item) error {
		item.OnHand += qty
		return nil
	})
}

func (inv *Inventory) apply(ctx context.Context, op, itemID string, qty int64, key string, mutate func(*Item) error) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	if qty <= 0 {
		return domain.Receipt{}, fmt.Errorf("%s %s: quantity must be positive", op, itemID)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.calls[op]++
	scoped := op + ":" + key
	if _, ok := inv.applied[scoped]; ok {
		return domain.Receipt{Key: key, Duplicate: true}, nil
	}
	item := inv.items[itemID]
	if err := mutate(&item); err != nil {
		return domain.Receipt{}, fmt.Errorf("%s %d x %s: %w", op, qty, itemID, err)
	}
	inv.items[itemID] = item
	inv.applied[scoped] = struct{}{}
	return domain.Receipt{Key: key}, nil
}
