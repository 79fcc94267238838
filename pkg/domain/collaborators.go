package domain

import (
	"context"
	"errors"
)

// ErrInsufficientStock is returned by Inventory when a request exceeds available stock.
var ErrInsufficientStock = errors.New("insufficient stock")

// Receipt acknowledges an idempotent collaborator call. Duplicate is true when
// the key had already been applied and the call was a no-op.
type Receipt struct {
	Key       string `json:"key"`
	Duplicate bool   `json:"duplicate"`
}

// Inventory is the external stock-keeping domain. Allocate, Deduct and
// Restore are idempotent on key. Restore returns previously deducted stock
// and never fails for lack of stock.
type Inventory interface {
	CheckStock(ctx context.Context, itemID string, qty int64) (bool, error)
	Allocate(ctx context.Context, itemID string, qty int64, key string) (Receipt, error)
	Deduct(ctx context.Context, itemID string, qty int64, key string) (Receipt, error)
	Restore(ctx context.Context, itemID string, qty int64, key string) (Receipt, error)
}

// Finance is the external cost ledger. RecordCost is idempotent on key and
// accepts negative amounts for reversals.
type Finance interface {
	RecordCost(ctx context.Context, vehicleID string, amountCents int64, referenceID, key string) (Receipt, error)
}
