package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"garagecore/pkg/domain"
)

// transaction is a mutation set applied to a private copy of the store state.
type transaction struct {
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func payloadOf(v any) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(v)
	if err != nil {
		panic(fmt.Errorf("memory store: encode change payload: %w", err))
	}
	return payload
}

func (tx *transaction) recordChange(entity domain.EntityType, action domain.Action, before, after any) {
	change := domain.Change{Entity: entity, Action: action}
	if before != nil {
		change.Before = payloadOf(before)
	}
	if after != nil {
		change.After = payloadOf(after)
	}
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state, including
// writes made earlier in the same transaction.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

// Now is the commit timestamp shared by every write in the transaction.
func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) CreateVehicle(v domain.Vehicle) (domain.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if _, exists := tx.state.vehicles[v.ID]; exists {
		return domain.Vehicle{}, fmt.Errorf("vehicle %q already exists", v.ID)
	}
	v.Version = 1
	v.CreatedAt = tx.now
	v.UpdatedAt = tx.now
	tx.state.vehicles[v.ID] = v
	tx.recordChange(domain.EntityVehicle, domain.ActionCreate, nil, v)
	return v, nil
}

func (tx *transaction) UpdateVehicle(id string, expectedVersion int64, mutator func(*domain.Vehicle) error) (domain.Vehicle, error) {
	current, ok := tx.state.vehicles[id]
	if !ok {
		return domain.Vehicle{}, domain.NotFoundError{Entity: domain.EntityVehicle, ID: id}
	}
	if expectedVersion != domain.AnyVersion && current.Version != expectedVersion {
		return domain.Vehicle{}, domain.ConflictError{Entity: domain.EntityVehicle, ID: id, Expected: expectedVersion, Actual: current.Version}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Vehicle{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.Version = before.Version + 1
	current.UpdatedAt = tx.now
	tx.state.vehicles[id] = current
	tx.recordChange(domain.EntityVehicle, domain.ActionUpdate, before, current)
	return current, nil
}

func (tx *transaction) CreateComponent(c domain.Component) (domain.Component, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := tx.state.components[c.ID]; exists {
		return domain.Component{}, fmt.Errorf("component %q already exists", c.ID)
	}
	if c.Location == nil {
		return domain.Component{}, fmt.Errorf("component %q has no location", c.ID)
	}
	c.Version = 1
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.components[c.ID] = c
	tx.recordChange(domain.EntityComponent, domain.ActionCreate, nil, c)
	return c, nil
}

func (tx *transaction) UpdateComponent(id string, expectedVersion int64, mutator func(*domain.Component) error) (domain.Component, error) {
	current, ok := tx.state.components[id]
	if !ok {
		return domain.Component{}, domain.NotFoundError{Entity: domain.EntityComponent, ID: id}
	}
	if expectedVersion != domain.AnyVersion && current.Version != expectedVersion {
		return domain.Component{}, domain.ConflictError{Entity: domain.EntityComponent, ID: id, Expected: expectedVersion, Actual: current.Version}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Component{}, err
	}
	if current.Location == nil {
		return domain.Component{}, fmt.Errorf("component %q has no location", id)
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.Version = before.Version + 1
	current.UpdatedAt = tx.now
	tx.state.components[id] = current
	tx.recordChange(domain.EntityComponent, domain.ActionUpdate, before, current)
	return current, nil
}

func (tx *transaction) CreateServiceRecord(r domain.ServiceRecord) (domain.ServiceRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.state.records[r.ID]; exists {
		return domain.ServiceRecord{}, fmt.Errorf("service record %q already exists", r.ID)
	}
	if _, ok := tx.state.vehicles[r.VehicleID]; !ok {
		return domain.ServiceRecord{}, domain.NotFoundError{Entity: domain.EntityVehicle, ID: r.VehicleID}
	}
	if r.IdempotencyKey != "" {
		key := recordKey(r.VehicleID, r.IdempotencyKey)
		if existing, ok := tx.state.recordKeys[key]; ok {
			return domain.ServiceRecord{}, fmt.Errorf("idempotency key %q already used by service record %q", r.IdempotencyKey, existing)
		}
		tx.state.recordKeys[key] = r.ID
	}
	r.CreatedAt = tx.now
	r = cloneServiceRecord(r)
	tx.state.records[r.ID] = r
	tx.recordChange(domain.EntityServiceRecord, domain.ActionCreate, nil, r)
	return cloneServiceRecord(r), nil
}

func (tx *transaction) CreateTelemetryLog(t domain.TelemetryLog) (domain.TelemetryLog, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := tx.state.telemetry[t.ID]; exists {
		return domain.TelemetryLog{}, fmt.Errorf("telemetry log %q already exists", t.ID)
	}
	if _, ok := tx.state.vehicles[t.VehicleID]; !ok {
		return domain.TelemetryLog{}, domain.NotFoundError{Entity: domain.EntityVehicle, ID: t.VehicleID}
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = tx.now
	}
	t = cloneTelemetry(t)
	tx.state.telemetry[t.ID] = t
	tx.recordChange(domain.EntityTelemetryLog, domain.ActionCreate, nil, t)
	return cloneTelemetry(t), nil
}

// CreateEdge validates the edge type, its payload variant and any endpoint
// owned by the entity store before linking it into both adjacency indexes.
func (tx *transaction) CreateEdge(e domain.Edge) (domain.Edge, error) {
	fromKind, toKind, ok := e.Type.Endpoints()
	if !ok {
		return domain.Edge{}, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown edge type %q", e.Type)}
	}
	if e.Payload != nil && e.Payload.EdgeType() != e.Type {
		return domain.Edge{}, domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("payload for %s attached to %s edge", e.Payload.EdgeType(), e.Type)}
	}
	if e.From == "" || e.To == "" {
		return domain.Edge{}, domain.ValidationError{Field: "endpoints", Reason: "are required"}
	}
	if err := tx.requireEndpoint(fromKind, e.From); err != nil {
		return domain.Edge{}, err
	}
	if err := tx.requireEndpoint(toKind, e.To); err != nil {
		return domain.Edge{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := tx.state.edges[e.ID]; exists {
		return domain.Edge{}, fmt.Errorf("edge %q already exists", e.ID)
	}
	e.CreatedAt = tx.now
	e.EndedAt = nil
	tx.state.indexEdge(e)
	tx.recordChange(domain.EntityEdge, domain.ActionCreate, nil, e)
	return cloneEdge(e), nil
}

func (tx *transaction) requireEndpoint(kind domain.EntityType, id string) error {
	var ok bool
	switch kind {
	case domain.EntityVehicle:
		_, ok = tx.state.vehicles[id]
	case domain.EntityComponent:
		_, ok = tx.state.components[id]
	case domain.EntityServiceRecord:
		_, ok = tx.state.records[id]
	case domain.EntityTelemetryLog:
		_, ok = tx.state.telemetry[id]
	default:
		// inventory items and performers live outside the store
		return nil
	}
	if !ok {
		return domain.NotFoundError{Entity: kind, ID: id}
	}
	return nil
}

// EndEdge soft-ends an edge; ended edges remain queryable as history.
func (tx *transaction) EndEdge(id string) (domain.Edge, error) {
	current, ok := tx.state.edges[id]
	if !ok {
		return domain.Edge{}, domain.NotFoundError{Entity: domain.EntityEdge, ID: id}
	}
	if !current.Open() {
		return domain.Edge{}, fmt.Errorf("edge %q already ended", id)
	}
	before := cloneEdge(current)
	at := tx.now
	current.EndedAt = &at
	tx.state.edges[id] = current
	tx.recordChange(domain.EntityEdge, domain.ActionEnd, before, current)
	return cloneEdge(current), nil
}

// Emit appends an event with the next per-aggregate sequence number.
func (tx *transaction) Emit(draft domain.EventDraft) (domain.Event, error) {
	if draft.Type == "" || draft.AggregateID == "" {
		return domain.Event{}, fmt.Errorf("event draft requires type and aggregate id")
	}
	payload, err := domain.NewChangePayloadFromValue(draft.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s payload: %w", draft.Type, err)
	}
	seq := tx.state.sequences[draft.AggregateID] + 1
	tx.state.sequences[draft.AggregateID] = seq
	event := domain.Event{
		ID:             ulid.Make().String(),
		Type:           draft.Type,
		AggregateType:  draft.AggregateType,
		AggregateID:    draft.AggregateID,
		Sequence:       seq,
		Position:       uint64(len(tx.state.events)) + 1,
		IdempotencyKey: domain.IdempotencyKeyFor(draft.AggregateID, seq),
		Payload:        payload,
		OccurredAt:     tx.now,
		Status:         domain.EventPending,
	}
	tx.state.appendEvent(event)
	return domain.CloneEvent(event), nil
}
