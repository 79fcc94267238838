// Package memory provides an in-memory implementation of the garage graph
// store: versioned documents, typed edges and the event outbox share one
// clone-on-write state so a transaction commits all three or none.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"garagecore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

// CommitHook runs under the store lock with the state about to be committed.
// Returning an error aborts the commit.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook installs a hook that durable backends use to persist state.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// Store provides an in-memory transactional store for the garage graph.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured commit-time rules engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction runs fn against a private copy of the state, evaluates the
// rules engine over the recorded changes and swaps the copy in only when no
// blocking violation was found and ctx is still live.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	if err := s.commit(ctx, tx.state); err != nil {
		return domain.Result{}, err
	}
	return result, nil
}

func (s *Store) commit(ctx context.Context, next memoryState) error {
	if s.hook != nil {
		if err := s.hook(ctx, snapshotFromMemoryState(next)); err != nil {
			return fmt.Errorf("commit hook: %w", err)
		}
	}
	s.state = next
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// PendingEvents returns events that still have dispatch work, in commit order.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.state.events {
		if e.Status.Terminal() {
			continue
		}
		out = append(out, domain.CloneEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetEvent returns a single outbox entry.
func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.state.eventIndex[id]
	if !ok {
		return domain.Event{}, false, nil
	}
	return domain.CloneEvent(s.state.events[idx]), true, nil
}

// ListEvents returns the full outbox in commit order.
func (s *Store) ListEvents(ctx context.Context) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, 0, len(s.state.events))
	for _, e := range s.state.events {
		out = append(out, domain.CloneEvent(e))
	}
	return out, nil
}

// UpdateEvent records dispatch progress. Event identity and payload are immutable.
func (s *Store) UpdateEvent(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.state.eventIndex[event.ID]
	if !ok {
		return domain.NotFoundError{Entity: "event", ID: event.ID}
	}
	next := s.state
	next.events = make([]domain.Event, len(s.state.events))
	copy(next.events, s.state.events)
	current := domain.CloneEvent(next.events[idx])
	current.Status = event.Status
	current.Deliveries = domain.CloneEvent(event).Deliveries
	next.events[idx] = current
	return s.commit(ctx, next)
}
