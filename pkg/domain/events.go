package domain

import (
	"fmt"
	"time"
)

// EventType names an outbound domain event.
type EventType string

// Outbound domain events.
const (
	EventVehicleCreated           EventType = "VehicleCreated"
	EventMileageUpdated           EventType = "MileageUpdated"
	EventVehicleDeactivated       EventType = "VehicleDeactivated"
	EventVehicleActivated         EventType = "VehicleActivated"
	EventComponentCataloged       EventType = "ComponentCataloged"
	EventComponentInstalled       EventType = "ComponentInstalled"
	EventComponentRemoved         EventType = "ComponentRemoved"
	EventComponentTransferStarted EventType = "ComponentTransferStarted"
	EventComponentReceived        EventType = "ComponentReceived"
	EventComponentDisposed        EventType = "ComponentDisposed"
	EventServiceRecorded          EventType = "ServiceRecorded"
	EventTelemetryRecorded        EventType = "TelemetryRecorded"
)

// EventStatus tracks dispatch progress of an outbox entry.
type EventStatus string

// Event dispatch states: Pending -> Dispatched -> {AllHandlersSucceeded | PartiallyFailed}.
const (
	EventPending              EventStatus = "pending"
	EventDispatched           EventStatus = "dispatched"
	EventAllHandlersSucceeded EventStatus = "all_handlers_succeeded"
	EventPartiallyFailed      EventStatus = "partially_failed"
)

// Terminal reports whether no further dispatch work remains.
func (s EventStatus) Terminal() bool {
	return s == EventAllHandlersSucceeded || s == EventPartiallyFailed
}

// DeliveryState tracks a single handler's progress on an event.
type DeliveryState string

// Handler delivery states.
const (
	DeliveryPending      DeliveryState = "pending"
	DeliverySucceeded    DeliveryState = "succeeded"
	DeliveryDeadLettered DeliveryState = "dead_lettered"
)

// Delivery is the per-handler dispatch record of an event.
type Delivery struct {
	Handler       string        `json:"handler"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Event is an immutable domain event stored in the outbox. Only Status and
// Deliveries change after commit.
type Event struct {
	ID             string              `json:"id"`
	Type           EventType           `json:"type"`
	AggregateType  EntityType          `json:"aggregate_type"`
	AggregateID    string              `json:"aggregate_id"`
	Sequence       uint64              `json:"sequence"`
	Position       uint64              `json:"position"`
	IdempotencyKey string              `json:"idempotency_key"`
	Payload        ChangePayload       `json:"payload"`
	OccurredAt     time.Time           `json:"occurred_at"`
	Status         EventStatus         `json:"status"`
	Deliveries     map[string]Delivery `json:"deliveries,omitempty"`
}

// EventDraft is what a transaction emits; the store assigns identity and order.
type EventDraft struct {
	Type          EventType
	AggregateType EntityType
	AggregateID   string
	Payload       any
}

// IdempotencyKeyFor derives the event idempotency key from aggregate id and sequence.
func IdempotencyKeyFor(aggregateID string, sequence uint64) string {
	return fmt.Sprintf("%s:%d", aggregateID, sequence)
}

// CloneEvent deep-copies the mutable delivery map.
func CloneEvent(e Event) Event {
	cp := e
	if e.Deliveries != nil {
		cp.Deliveries = make(map[string]Delivery, len(e.Deliveries))
		for k, v := range e.Deliveries {
			cp.Deliveries[k] = v
		}
	}
	return cp
}

// VehicleCreatedPayload accompanies VehicleCreated.
type VehicleCreatedPayload struct {
	VehicleID string `json:"vehicle_id"`
	VIN       string `json:"vin"`
	Mileage   int64  `json:"mileage"`
}

// MileageUpdatedPayload accompanies MileageUpdated.
type MileageUpdatedPayload struct {
	VehicleID string `json:"vehicle_id"`
	Previous  int64  `json:"previous"`
	Current   int64  `json:"current"`
}

// VehicleActivationPayload accompanies VehicleActivated and VehicleDeactivated.
type VehicleActivationPayload struct {
	VehicleID string `json:"vehicle_id"`
	Active    bool   `json:"active"`
}

// ComponentCatalogedPayload accompanies ComponentCataloged.
type ComponentCatalogedPayload struct {
	ComponentID     string `json:"component_id"`
	PartNumber      string `json:"part_number"`
	InventoryItemID string `json:"inventory_item_id"`
	LocationID      string `json:"location_id"`
}

// ComponentInstalledPayload accompanies ComponentInstalled.
type ComponentInstalledPayload struct {
	VehicleID       string    `json:"vehicle_id"`
	ComponentID     string    `json:"component_id"`
	InventoryItemID string    `json:"inventory_item_id"`
	Installer       string    `json:"installer"`
	Mileage         int64     `json:"mileage"`
	InstalledAt     time.Time `json:"installed_at"`
}

// ComponentRemovedPayload accompanies ComponentRemoved.
type ComponentRemovedPayload struct {
	VehicleID   string    `json:"vehicle_id"`
	ComponentID string    `json:"component_id"`
	LocationID  string    `json:"location_id"`
	RemovedAt   time.Time `json:"removed_at"`
}

// ComponentTransferPayload accompanies ComponentTransferStarted and ComponentReceived.
type ComponentTransferPayload struct {
	ComponentID string `json:"component_id"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// ComponentDisposedPayload accompanies ComponentDisposed.
type ComponentDisposedPayload struct {
	ComponentID string    `json:"component_id"`
	VehicleID   string    `json:"vehicle_id,omitempty"`
	DisposedAt  time.Time `json:"disposed_at"`
}

// ServiceRecordedPayload accompanies ServiceRecorded.
type ServiceRecordedPayload struct {
	RecordID    string            `json:"record_id"`
	VehicleID   string            `json:"vehicle_id"`
	ServiceType string            `json:"service_type"`
	Parts       []ConsumptionLine `json:"parts"`
	LaborCents  int64             `json:"labor_cents"`
	Supersedes  string            `json:"supersedes,omitempty"`
	// Reversed carries the superseded record's lines and labor so handlers
	// can post compensating entries.
	Reversed           []ConsumptionLine `json:"reversed_parts,omitempty"`
	ReversedLaborCents int64             `json:"reversed_labor_cents,omitempty"`
}

// TelemetryRecordedPayload accompanies TelemetryRecorded.
type TelemetryRecordedPayload struct {
	LogID     string `json:"log_id"`
	VehicleID string `json:"vehicle_id"`
	Odometer  int64  `json:"odometer"`
}
