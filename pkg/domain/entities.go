// Package domain defines the garage graph entities, edges, domain events and
// the rule evaluation primitives shared by the persistence and service layers.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the garage graph.
type EntityType string

// Supported entity type identifiers used in Change records, events and persistence buckets.
const (
	// EntityVehicle identifies a vehicle document.
	EntityVehicle EntityType = "vehicle"
	// EntityComponent identifies a cataloged component document.
	EntityComponent EntityType = "component"
	// EntityServiceRecord identifies an immutable service record document.
	EntityServiceRecord EntityType = "service_record"
	// EntityTelemetryLog identifies a telemetry log document.
	EntityTelemetryLog EntityType = "telemetry_log"
	// EntityEdge identifies a relationship record.
	EntityEdge EntityType = "edge"
	// EntityInventoryItem identifies an item owned by the Inventory collaborator.
	EntityInventoryItem EntityType = "inventory_item"
	// EntityPerformer identifies the person or shop that performed a service.
	EntityPerformer EntityType = "performer"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn is reported to the caller but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all versioned documents.
type Base struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vehicle is a registered vehicle. It is deactivated rather than deleted.
type Vehicle struct {
	Base
	VIN     string `json:"vin"`
	Name    string `json:"name"`
	Mileage int64  `json:"mileage"`
	Active  bool   `json:"active"`
}

// Component is a cataloged part whose location is a closed variant.
type Component struct {
	Base
	PartNumber      string   `json:"part_number"`
	InventoryItemID string   `json:"inventory_item_id"`
	Description     string   `json:"description,omitempty"`
	Location        Location `json:"-"`
}

// Labor captures the labor portion of a service.
type Labor struct {
	Hours     float64 `json:"hours" validate:"gte=0,lte=10000"`
	RateCents int64   `json:"rate_cents" validate:"gte=0,lte=100000000"`
}

// CostCents returns hours * rate rounded to the nearest cent.
func (l Labor) CostCents() int64 {
	if l.Hours <= 0 || l.RateCents <= 0 {
		return 0
	}
	return int64(l.Hours*float64(l.RateCents) + 0.5)
}

// ConsumptionLine is a single part consumed by a service.
type ConsumptionLine struct {
	ItemID        string `json:"item_id" validate:"required"`
	Quantity      int64  `json:"quantity" validate:"gt=0,lte=1000000"`
	UnitCostCents int64  `json:"unit_cost_cents" validate:"gte=0,lte=1000000000"`
}

// CostCents returns quantity * unit cost. The validation bounds on both
// factors keep the product and a record's sum of lines inside int64.
func (c ConsumptionLine) CostCents() int64 {
	return c.Quantity * c.UnitCostCents
}

// ServiceRecord is an immutable record of work performed on a vehicle.
// Corrections are new records that reference the corrected one via Supersedes.
type ServiceRecord struct {
	ID               string            `json:"id"`
	VehicleID        string            `json:"vehicle_id"`
	Performer        string            `json:"performer"`
	ServiceType      string            `json:"service_type"`
	MileageAtService int64             `json:"mileage_at_service"`
	Labor            Labor             `json:"labor"`
	Parts            []ConsumptionLine `json:"parts"`
	Notes            string            `json:"notes,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	Supersedes       string            `json:"supersedes,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// PartsCostCents sums the cost of all consumption lines.
func (r ServiceRecord) PartsCostCents() int64 {
	var total int64
	for _, line := range r.Parts {
		total += line.CostCents()
	}
	return total
}

// TelemetryLog is a point-in-time reading produced by a vehicle.
type TelemetryLog struct {
	ID         string             `json:"id"`
	VehicleID  string             `json:"vehicle_id"`
	Odometer   int64              `json:"odometer"`
	Readings   map[string]float64 `json:"readings,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

type componentAlias Component

// MarshalJSON serialises the location variant with an explicit kind tag.
func (c Component) MarshalJSON() ([]byte, error) {
	type payload struct {
		componentAlias
		Location *locationEnvelope `json:"location"`
	}
	var env *locationEnvelope
	if c.Location != nil {
		e := encodeLocation(c.Location)
		env = &e
	}
	return json.Marshal(payload{componentAlias: componentAlias(c), Location: env})
}

// UnmarshalJSON restores the location variant from its tagged form.
func (c *Component) UnmarshalJSON(data []byte) error {
	type payload struct {
		componentAlias
		Location *locationEnvelope `json:"location"`
	}
	var aux payload
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Component(aux.componentAlias)
	c.Location = nil
	if aux.Location != nil {
		loc, err := decodeLocation(*aux.Location)
		if err != nil {
			return err
		}
		c.Location = loc
	}
	return nil
}

// Change describes a mutation applied to an entity or edge during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
}

// Action indicates the type of modification performed.
type Action string

// Change actions captured in the audit trail. There is no delete: documents are
// deactivated or disposed and edges are ended.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionEnd    Action = "end"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule      string     `json:"rule"`
	Code      string     `json:"code"`
	Severity  Severity   `json:"severity"`
	Message   string     `json:"message"`
	Entity    EntityType `json:"entity,omitempty"`
	EntityID  string     `json:"entity_id,omitempty"`
	RelatedID string     `json:"related_id,omitempty"`
}

// Result aggregates violations from the rules engine and the enforcer.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// HasCode reports whether any violation carries the given code.
func (r Result) HasCode(code string) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v)
		}
	}
	return out
}
