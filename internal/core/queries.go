package core

import (
	"context"
	"sort"
	"time"

	"garagecore/pkg/domain"
)

// InstalledComponent is a component currently on a vehicle with its install details.
type InstalledComponent struct {
	Component domain.Component      `json:"component"`
	EdgeID    string                `json:"edge_id"`
	Install   domain.InstallPayload `json:"install"`
}

// ConsumedPart is one CONSUMED edge of a service record.
type ConsumedPart struct {
	ItemID        string `json:"item_id"`
	LineIndex     int    `json:"line_index"`
	Quantity      int64  `json:"quantity"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

// ServiceHistoryEntry expands a service record with its consumption.
type ServiceHistoryEntry struct {
	Record       domain.ServiceRecord `json:"record"`
	Consumed     []ConsumedPart       `json:"consumed"`
	PartsCents   int64                `json:"parts_cents"`
	LaborCents   int64                `json:"labor_cents"`
	SupersededBy string               `json:"superseded_by,omitempty"`
}

// CostOfOwnership totals a vehicle's recorded service costs.
type CostOfOwnership struct {
	VehicleID  string `json:"vehicle_id"`
	PartsCents int64  `json:"parts_cents"`
	LaborCents int64  `json:"labor_cents"`
	TotalCents int64  `json:"total_cents"`
	Records    int    `json:"records"`
	Superseded int    `json:"superseded"`
}

// Installation is one INSTALLED_ON edge in a component's history.
type Installation struct {
	EdgeID      string     `json:"edge_id"`
	VehicleID   string     `json:"vehicle_id"`
	Installer   string     `json:"installer"`
	Mileage     int64      `json:"mileage"`
	InstalledAt time.Time  `json:"installed_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

// Queries answers read-only traversals over a store. It never writes or emits.
type Queries struct {
	store domain.PersistentStore
}

// NewQueries binds the traversal layer to a store.
func NewQueries(store domain.PersistentStore) Queries {
	return Queries{store: store}
}

func (q Queries) read(ctx context.Context, fn func(domain.TransactionView) error) error {
	return q.store.View(ctx, fn)
}

// CurrentComponents lists the components with an open INSTALLED_ON edge from the vehicle.
func (q Queries) CurrentComponents(ctx context.Context, vehicleID string) ([]InstalledComponent, error) {
	var out []InstalledComponent
	err := q.read(ctx, func(view domain.TransactionView) error {
		var err error
		out, err = currentComponents(view, vehicleID)
		return err
	})
	return out, err
}

func currentComponents(view domain.RuleView, vehicleID string) ([]InstalledComponent, error) {
	if _, ok := view.FindVehicle(vehicleID); !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityVehicle, ID: vehicleID}
	}
	out := []InstalledComponent{}
	for _, edge := range view.EdgesFrom(vehicleID, domain.EdgeInstalledOn) {
		if !edge.Open() {
			continue
		}
		component, ok := view.FindComponent(edge.To)
		if !ok {
			continue
		}
		install, _ := edge.Payload.(domain.InstallPayload)
		out = append(out, InstalledComponent{Component: component, EdgeID: edge.ID, Install: install})
	}
	return out, nil
}

// ServiceHistory lists the vehicle's records in creation order, each with its
// CONSUMED edges and the id of any record that supersedes it.
func (q Queries) ServiceHistory(ctx context.Context, vehicleID string) ([]ServiceHistoryEntry, error) {
	var out []ServiceHistoryEntry
	err := q.read(ctx, func(view domain.TransactionView) error {
		var err error
		out, err = serviceHistory(view, vehicleID)
		return err
	})
	return out, err
}

func serviceHistory(view domain.RuleView, vehicleID string) ([]ServiceHistoryEntry, error) {
	if _, ok := view.FindVehicle(vehicleID); !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityVehicle, ID: vehicleID}
	}
	var records []domain.ServiceRecord
	for _, edge := range view.EdgesTo(vehicleID, domain.EdgePerformedOn) {
		if record, ok := view.FindServiceRecord(edge.From); ok {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	supersededBy := make(map[string]string)
	for _, record := range records {
		if record.Supersedes != "" {
			supersededBy[record.Supersedes] = record.ID
		}
	}
	out := make([]ServiceHistoryEntry, 0, len(records))
	for _, record := range records {
		entry := ServiceHistoryEntry{
			Record:       record,
			Consumed:     []ConsumedPart{},
			LaborCents:   record.Labor.CostCents(),
			SupersededBy: supersededBy[record.ID],
		}
		for _, edge := range view.EdgesFrom(record.ID, domain.EdgeConsumed) {
			payload, _ := edge.Payload.(domain.ConsumptionPayload)
			entry.Consumed = append(entry.Consumed, ConsumedPart{
				ItemID:        edge.To,
				LineIndex:     payload.LineIndex,
				Quantity:      payload.Quantity,
				UnitCostCents: payload.UnitCostCents,
			})
			entry.PartsCents += payload.CostCents()
		}
		out = append(out, entry)
	}
	return out, nil
}

// TotalCostOfOwnership sums parts and labor over the vehicle's records, leaving
// out records that a later correction supersedes. It is recomputed on each call.
func (q Queries) TotalCostOfOwnership(ctx context.Context, vehicleID string) (CostOfOwnership, error) {
	var out CostOfOwnership
	err := q.read(ctx, func(view domain.TransactionView) error {
		history, err := serviceHistory(view, vehicleID)
		if err != nil {
			return err
		}
		out = costOfOwnership(vehicleID, history)
		return nil
	})
	return out, err
}

func costOfOwnership(vehicleID string, history []ServiceHistoryEntry) CostOfOwnership {
	tco := CostOfOwnership{VehicleID: vehicleID}
	for _, entry := range history {
		if entry.SupersededBy != "" {
			tco.Superseded++
			continue
		}
		tco.Records++
		tco.PartsCents += entry.PartsCents
		tco.LaborCents += entry.LaborCents
	}
	tco.TotalCents = tco.PartsCents + tco.LaborCents
	return tco
}

// ComponentHistory lists every installation of a component, open and ended.
func (q Queries) ComponentHistory(ctx context.Context, componentID string) ([]Installation, error) {
	var out []Installation
	err := q.read(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindComponent(componentID); !ok {
			return domain.NotFoundError{Entity: domain.EntityComponent, ID: componentID}
		}
		out = []Installation{}
		for _, edge := range view.EdgesTo(componentID, domain.EdgeInstalledOn) {
			install, _ := edge.Payload.(domain.InstallPayload)
			entry := Installation{
				EdgeID:      edge.ID,
				VehicleID:   edge.From,
				Installer:   install.Installer,
				Mileage:     install.Mileage,
				InstalledAt: install.InstalledAt,
			}
			if edge.EndedAt != nil {
				ended := *edge.EndedAt
				entry.RemovedAt = &ended
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// TelemetryFor lists the vehicle's telemetry logs in recording order.
func (q Queries) TelemetryFor(ctx context.Context, vehicleID string) ([]domain.TelemetryLog, error) {
	var out []domain.TelemetryLog
	err := q.read(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindVehicle(vehicleID); !ok {
			return domain.NotFoundError{Entity: domain.EntityVehicle, ID: vehicleID}
		}
		out = []domain.TelemetryLog{}
		for _, edge := range view.EdgesFrom(vehicleID, domain.EdgeGenerated) {
			if log, ok := view.FindTelemetryLog(edge.To); ok {
				out = append(out, log)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		})
		return nil
	})
	return out, err
}
