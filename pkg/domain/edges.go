package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EdgeType names a directed relationship kind.
type EdgeType string

// Relationship kinds held by the relationship store.
const (
	// EdgeInstalledOn links a vehicle to a component currently or formerly installed on it.
	EdgeInstalledOn EdgeType = "INSTALLED_ON"
	// EdgePerformedOn links a service record to the vehicle it was performed on.
	EdgePerformedOn EdgeType = "PERFORMED_ON"
	// EdgeConsumed links a service record to an inventory item it consumed.
	EdgeConsumed EdgeType = "CONSUMED"
	// EdgePerformed links a performer to the service record they performed.
	EdgePerformed EdgeType = "PERFORMED"
	// EdgeGenerated links a vehicle to a telemetry log it produced.
	EdgeGenerated EdgeType = "GENERATED"
)

// EdgeTypes lists every relationship kind in persistence order.
var EdgeTypes = []EdgeType{EdgeInstalledOn, EdgePerformedOn, EdgeConsumed, EdgePerformed, EdgeGenerated}

// Endpoints returns the entity kinds an edge type connects.
func (t EdgeType) Endpoints() (from EntityType, to EntityType, ok bool) {
	switch t {
	case EdgeInstalledOn:
		return EntityVehicle, EntityComponent, true
	case EdgePerformedOn:
		return EntityServiceRecord, EntityVehicle, true
	case EdgeConsumed:
		return EntityServiceRecord, EntityInventoryItem, true
	case EdgePerformed:
		return EntityPerformer, EntityServiceRecord, true
	case EdgeGenerated:
		return EntityVehicle, EntityTelemetryLog, true
	default:
		return "", "", false
	}
}

// EdgePayload is the typed attribute set carried by an edge.
type EdgePayload interface {
	EdgeType() EdgeType
}

// InstallPayload rides on INSTALLED_ON edges.
type InstallPayload struct {
	Installer   string    `json:"installer"`
	Mileage     int64     `json:"mileage"`
	InstalledAt time.Time `json:"installed_at"`
}

// ServiceSnapshotPayload rides on PERFORMED_ON edges.
type ServiceSnapshotPayload struct {
	Mileage int64 `json:"mileage"`
}

// ConsumptionPayload rides on CONSUMED edges.
type ConsumptionPayload struct {
	LineIndex     int   `json:"line_index"`
	Quantity      int64 `json:"quantity"`
	UnitCostCents int64 `json:"unit_cost_cents"`
}

// AuthorizationPayload rides on PERFORMED edges.
type AuthorizationPayload struct {
	AuthorizationCode string `json:"authorization_code,omitempty"`
}

// TelemetryPayload rides on GENERATED edges.
type TelemetryPayload struct {
	Odometer int64 `json:"odometer"`
}

func (InstallPayload) EdgeType() EdgeType         { return EdgeInstalledOn }
func (ServiceSnapshotPayload) EdgeType() EdgeType { return EdgePerformedOn }
func (ConsumptionPayload) EdgeType() EdgeType     { return EdgeConsumed }
func (AuthorizationPayload) EdgeType() EdgeType   { return EdgePerformed }
func (TelemetryPayload) EdgeType() EdgeType       { return EdgeGenerated }

// CostCents returns quantity * unit cost for the consumption.
func (p ConsumptionPayload) CostCents() int64 {
	return p.Quantity * p.UnitCostCents
}

// Edge is a typed, directed relationship. Edges are ended, never deleted.
type Edge struct {
	ID        string      `json:"id"`
	Type      EdgeType    `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	CreatedAt time.Time   `json:"created_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Payload   EdgePayload `json:"-"`
}

// Open reports whether the edge has not been ended.
func (e Edge) Open() bool {
	return e.EndedAt == nil
}

type edgeAlias Edge

// MarshalJSON serialises the typed payload alongside the edge.
func (e Edge) MarshalJSON() ([]byte, error) {
	type payload struct {
		edgeAlias
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(payload{edgeAlias: edgeAlias(e), Payload: raw})
}

// UnmarshalJSON decodes the payload according to the edge type.
func (e *Edge) UnmarshalJSON(data []byte) error {
	type payload struct {
		edgeAlias
		Payload json.RawMessage `json:"payload"`
	}
	var aux payload
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Edge(aux.edgeAlias)
	e.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := decodeEdgePayload(e.Type, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

func decodeEdgePayload(t EdgeType, raw json.RawMessage) (EdgePayload, error) {
	switch t {
	case EdgeInstalledOn:
		var p InstallPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case EdgePerformedOn:
		var p ServiceSnapshotPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case EdgeConsumed:
		var p ConsumptionPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case EdgePerformed:
		var p AuthorizationPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case EdgeGenerated:
		var p TelemetryPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown edge type %q", t)
	}
}
