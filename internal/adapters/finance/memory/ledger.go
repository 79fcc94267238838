// Package memory implements an in-process Finance collaborator.
package memory

import (
	"context"
	"sync"
	"time"

	"garagecore/pkg/domain"
)

// Entry is one recorded cost.
type Entry struct {
	VehicleID   string    `json:"vehicle_id"`
	AmountCents int64     `json:"amount_cents"`
	ReferenceID string    `json:"reference_id"`
	Key         string    `json:"key"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Ledger is an append-only cost ledger, idempotent on key.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]struct{}
	now     func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{keys: make(map[string]struct{}), now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) RecordCost(ctx context.Context, vehicleID string, amountCents int64, referenceID, key string) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return domain.Receipt{Key: key, Duplicate: true}, nil
	}
	l.keys[key] = struct{}{}
	l.entries = append(l.entries, Entry{
		VehicleID:   vehicleID,
		AmountCents: amountCents,
		ReferenceID: referenceID,
		Key:         key,
		RecordedAt:  l.now(),
	})
	return domain.Receipt{Key: key}, nil
}

// Entries returns a copy of every recorded cost.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// TotalFor sums the costs booked against a vehicle.
func (l *Ledger) TotalFor(vehicleID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, e := range l.entries {
		if e.VehicleID == vehicleID {
			total += e.AmountCents
		}
	}
	return total
}
