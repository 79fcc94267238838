package domain

import (
	"context"
	"time"
)

// AnyVersion disables the optimistic version check on an update.
const AnyVersion int64 = 0

// Transaction exposes the graph mutations that a persistence implementation
// must support within an atomic scope. Entities are never deleted: vehicles are
// deactivated, components disposed and edges ended. Service records and
// telemetry logs have no update operation.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	CreateVehicle(Vehicle) (Vehicle, error)
	UpdateVehicle(id string, expectedVersion int64, mutator func(*Vehicle) error) (Vehicle, error)
	CreateComponent(Component) (Component, error)
	UpdateComponent(id string, expectedVersion int64, mutator func(*Component) error) (Component, error)
	CreateServiceRecord(ServiceRecord) (ServiceRecord, error)
	CreateTelemetryLog(TelemetryLog) (TelemetryLog, error)
	CreateEdge(Edge) (Edge, error)
	EndEdge(id string) (Edge, error)
	// Emit appends an event to the outbox; it becomes visible only if the
	// transaction commits.
	Emit(EventDraft) (Event, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
}

// EventOutbox exposes the committed event log to the dispatcher.
type EventOutbox interface {
	// PendingEvents returns non-terminal events in commit order.
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	GetEvent(ctx context.Context, id string) (Event, bool, error)
	ListEvents(ctx context.Context) ([]Event, error)
	// UpdateEvent persists dispatch progress. Only Status and Deliveries are
	// taken from the argument.
	UpdateEvent(ctx context.Context, event Event) error
}

// PersistentStore is the abstraction over durable backends used by higher layers.
type PersistentStore interface {
	EventOutbox
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
