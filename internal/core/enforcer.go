package core

import (
	"fmt"

	"garagecore/pkg/domain"
)

// Intent is a mutation the enforcer approves or rejects before anything is written.
type Intent interface {
	IntentName() string
}

// UpdateMileageIntent raises a vehicle's mileage.
type UpdateMileageIntent struct {
	VehicleID  string
	NewMileage int64
}

// InstallComponentIntent puts a stored component on a vehicle.
type InstallComponentIntent struct {
	VehicleID   string
	ComponentID string
	Installer   string
}

// RemoveComponentIntent takes an installed component off its vehicle.
type RemoveComponentIntent struct {
	ComponentID string
}

// RecordServiceIntent appends a service record. Stock carries the Inventory
// answer for each consumed item, looked up before the transaction began.
type RecordServiceIntent struct {
	Record domain.ServiceRecord
	Stock  StockReport
}

// ConsumePartIntent consumes one inventory item line for a service record.
type ConsumePartIntent struct {
	RecordID        string
	ItemID          string
	Quantity        int64
	StockSufficient bool
}

// StockReport maps an inventory item id to whether stock covered the request.
type StockReport map[string]bool

func (UpdateMileageIntent) IntentName() string    { return "UpdateMileage" }
func (InstallComponentIntent) IntentName() string { return "InstallComponent" }
func (RemoveComponentIntent) IntentName() string  { return "RemoveComponent" }
func (RecordServiceIntent) IntentName() string    { return "RecordService" }
func (ConsumePartIntent) IntentName() string      { return "ConsumePart" }

// Enforcer evaluates intents against a consistent read of the graph. It
// performs no I/O; callers pass the transaction snapshot.
type Enforcer struct{}

// NewEnforcer returns the invariant enforcer.
func NewEnforcer() Enforcer { return Enforcer{} }

// Validate returns nil when the intent is approved, or a typed error:
// domain.NotFoundError, domain.ValidationError or domain.RuleViolationError.
func (e Enforcer) Validate(intent Intent, view domain.RuleView) error {
	switch in := intent.(type) {
	case UpdateMileageIntent:
		return e.validateMileage(in, view)
	case InstallComponentIntent:
		return e.validateInstall(in, view)
	case RemoveComponentIntent:
		return e.validateRemove(in, view)
	case RecordServiceIntent:
		return e.validateService(in, view)
	case ConsumePartIntent:
		return e.validateConsume(in, view, nil)
	default:
		return domain.ValidationError{Field: "intent", Reason: fmt.Sprintf("unsupported intent %T", intent)}
	}
}

func (Enforcer) validateMileage(in UpdateMileageIntent, view domain.RuleView) error {
	vehicle, ok := view.FindVehicle(in.VehicleID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityVehicle, ID: in.VehicleID}
	}
	if in.NewMileage < vehicle.Mileage {
		return domain.Reject(domain.Block("mileage_monotonic", domain.CodeMileageCannotDecrease, domain.EntityVehicle, vehicle.ID,
			fmt.Sprintf("mileage %d is below current %d", in.NewMileage, vehicle.Mileage)))
	}
	return nil
}

func (Enforcer) validateInstall(in InstallComponentIntent, view domain.RuleView) error {
	vehicle, ok := view.FindVehicle(in.VehicleID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityVehicle, ID: in.VehicleID}
	}
	component, err := liveComponent(view, in.ComponentID)
	if err != nil {
		return err
	}
	if !vehicle.Active {
		return domain.Reject(domain.Block("install_component", domain.CodeInstallationNotAllowed, domain.EntityVehicle, vehicle.ID,
			fmt.Sprintf("vehicle %s is inactive", vehicle.ID)))
	}
	for _, edge := range view.EdgesTo(component.ID, domain.EdgeInstalledOn) {
		if !edge.Open() {
			continue
		}
		v := domain.Block("install_component", domain.CodeComponentAlreadyInstalled, domain.EntityComponent, component.ID,
			fmt.Sprintf("component %s is already installed on vehicle %s", component.ID, edge.From))
		v.RelatedID = edge.From
		return domain.Reject(v)
	}
	if component.Location.Kind() != domain.LocationInStorage {
		return domain.Reject(domain.Block("install_component", domain.CodeInvalidLocationTransition, domain.EntityComponent, component.ID,
			fmt.Sprintf("component %s must be in storage to install, is %s", component.ID, domain.DescribeLocation(component.Location))))
	}
	return nil
}

func (Enforcer) validateRemove(in RemoveComponentIntent, view domain.RuleView) error {
	component, err := liveComponent(view, in.ComponentID)
	if err != nil {
		return err
	}
	vehicleID, installed := domain.InstalledVehicle(component.Location)
	if installed && openInstallEdge(view, vehicleID, component.ID) != nil {
		return nil
	}
	return domain.Reject(domain.Block("remove_component", domain.CodeComponentNotInstalled, domain.EntityComponent, component.ID,
		fmt.Sprintf("component %s is not installed", component.ID)))
}

func (e Enforcer) validateService(in RecordServiceIntent, view domain.RuleView) error {
	rec := in.Record
	vehicle, ok := view.FindVehicle(rec.VehicleID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityVehicle, ID: rec.VehicleID}
	}
	if !vehicle.Active {
		return domain.Reject(domain.Block("record_service", domain.CodeVehicleInactive, domain.EntityVehicle, vehicle.ID,
			fmt.Sprintf("vehicle %s is inactive", vehicle.ID)))
	}
	if rec.Supersedes != "" {
		prior, ok := view.FindServiceRecord(rec.Supersedes)
		if !ok || prior.VehicleID != rec.VehicleID {
			return domain.Reject(domain.Block("record_service", domain.CodeInvalidSupersede, domain.EntityServiceRecord, rec.ID,
				fmt.Sprintf("record %s cannot supersede %s", rec.ID, rec.Supersedes)))
		}
	}
	seen := make(map[string]struct{}, len(rec.Parts))
	for _, line := range rec.Parts {
		intent := ConsumePartIntent{RecordID: rec.ID, ItemID: line.ItemID, Quantity: line.Quantity, StockSufficient: in.Stock[line.ItemID]}
		if err := e.validateConsume(intent, view, seen); err != nil {
			return err
		}
		seen[line.ItemID] = struct{}{}
	}
	return nil
}

func (Enforcer) validateConsume(in ConsumePartIntent, view domain.RuleView, pending map[string]struct{}) error {
	if in.ItemID == "" || in.Quantity <= 0 {
		return domain.ValidationError{Field: "parts", Reason: "require an item id and a positive quantity"}
	}
	duplicate := func() error {
		v := domain.Block("consume_part", domain.CodeDuplicateConsumption, domain.EntityServiceRecord, in.RecordID,
			fmt.Sprintf("item %s already consumed by record %s", in.ItemID, in.RecordID))
		v.RelatedID = in.ItemID
		return domain.Reject(v)
	}
	if _, ok := pending[in.ItemID]; ok {
		return duplicate()
	}
	for _, edge := range view.EdgesFrom(in.RecordID, domain.EdgeConsumed) {
		if edge.To == in.ItemID {
			return duplicate()
		}
	}
	if !in.StockSufficient {
		v := domain.Block("consume_part", domain.CodeInsufficientStock, domain.EntityInventoryItem, in.ItemID,
			fmt.Sprintf("insufficient stock for %d x %s", in.Quantity, in.ItemID))
		v.RelatedID = in.RecordID
		return domain.Reject(v)
	}
	return nil
}

// liveComponent resolves a component, treating disposed components as gone.
func liveComponent(view domain.RuleView, id string) (domain.Component, error) {
	component, ok := view.FindComponent(id)
	if !ok || component.Location == nil || domain.IsDisposed(component.Location) {
		return domain.Component{}, domain.NotFoundError{Entity: domain.EntityComponent, ID: id}
	}
	return component, nil
}

func openInstallEdge(view domain.RuleView, vehicleID, componentID string) *domain.Edge {
	for _, edge := range view.EdgesTo(componentID, domain.EdgeInstalledOn) {
		if edge.Open() && edge.From == vehicleID {
			e := edge
			return &e
		}
	}
	return nil
}
