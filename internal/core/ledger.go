package core

import (
	"context"
	"sync"
)

// AppliedLedger remembers which side-effect keys a handler has already applied.
// Keys are namespaced by the caller, e.g. "deduct:<record>:<line>".
type AppliedLedger interface {
	Applied(ctx context.Context, key string) (bool, error)
	MarkApplied(ctx context.Context, key string) error
}

// MemoryLedger is a process-local AppliedLedger.
type MemoryLedger struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

func (l *MemoryLedger) Applied(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *MemoryLedger) MarkApplied(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key] = struct{}{}
	return nil
}

// Len reports the number of applied keys.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}
