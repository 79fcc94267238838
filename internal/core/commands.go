package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"garagecore/pkg/domain"
)

// RegisterVehicleCommand creates an active vehicle.
type RegisterVehicleCommand struct {
	ID      string `json:"id,omitempty"`
	VIN     string `json:"vin" validate:"required,max=32"`
	Name    string `json:"name"`
	Mileage int64  `json:"mileage" validate:"gte=0"`
}

// UpdateMileageCommand raises a vehicle's mileage.
type UpdateMileageCommand struct {
	VehicleID       string `json:"vehicle_id" validate:"required"`
	Mileage         int64  `json:"mileage" validate:"gte=0"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// DeactivateVehicleCommand takes a vehicle out of service. Installed components
// are returned to ReturnLocationID; without one the command is rejected while
// components remain installed.
type DeactivateVehicleCommand struct {
	VehicleID        string `json:"vehicle_id" validate:"required"`
	ReturnLocationID string `json:"return_location_id,omitempty"`
	ExpectedVersion  int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// ActivateVehicleCommand returns a vehicle to service.
type ActivateVehicleCommand struct {
	VehicleID       string `json:"vehicle_id" validate:"required"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// CatalogComponentCommand creates a component in storage.
type CatalogComponentCommand struct {
	ID              string `json:"id,omitempty"`
	PartNumber      string `json:"part_number" validate:"required"`
	InventoryItemID string `json:"inventory_item_id" validate:"required"`
	Description     string `json:"description,omitempty"`
	LocationID      string `json:"location_id" validate:"required"`
}

// InstallComponentCommand puts a stored component on a vehicle.
type InstallComponentCommand struct {
	VehicleID       string `json:"vehicle_id" validate:"required"`
	ComponentID     string `json:"component_id" validate:"required"`
	Installer       string `json:"installer" validate:"required"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// RemoveComponentCommand returns an installed component to storage.
type RemoveComponentCommand struct {
	ComponentID     string `json:"component_id" validate:"required"`
	LocationID      string `json:"location_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// TransferComponentCommand ships a stored component to another location.
type TransferComponentCommand struct {
	ComponentID     string `json:"component_id" validate:"required"`
	ToLocationID    string `json:"to_location_id" validate:"required"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// ReceiveComponentCommand completes a transfer. LocationID, when set, must be
// the transfer target.
type ReceiveComponentCommand struct {
	ComponentID     string `json:"component_id" validate:"required"`
	LocationID      string `json:"location_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// DisposeComponentCommand retires a component permanently.
type DisposeComponentCommand struct {
	ComponentID     string `json:"component_id" validate:"required"`
	ExpectedVersion int64  `json:"expected_version,omitempty" validate:"gte=0"`
}

// RecordServiceCommand appends an immutable service record.
type RecordServiceCommand struct {
	VehicleID         string                   `json:"vehicle_id" validate:"required"`
	Performer         string                   `json:"performer" validate:"required"`
	ServiceType       string                   `json:"service_type" validate:"required"`
	MileageAtService  int64                    `json:"mileage_at_service" validate:"gte=0"`
	Labor             domain.Labor             `json:"labor"`
	Parts             []domain.ConsumptionLine `json:"parts" validate:"max=200,dive"`
	Notes             string                   `json:"notes,omitempty"`
	IdempotencyKey    string                   `json:"idempotency_key,omitempty" validate:"max=128"`
	Supersedes        string                   `json:"supersedes,omitempty"`
	AuthorizationCode string                   `json:"authorization_code,omitempty"`
}

// RecordTelemetryCommand stores a telemetry reading.
type RecordTelemetryCommand struct {
	VehicleID  string             `json:"vehicle_id" validate:"required"`
	Odometer   int64              `json:"odometer" validate:"gte=0"`
	Readings   map[string]float64 `json:"readings,omitempty"`
	RecordedAt time.Time          `json:"recorded_at,omitempty"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validationError converts the first validator failure into a domain error.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return domain.ValidationError{Field: fe.Namespace(), Reason: "failed " + reason}
	}
	return domain.ValidationError{Field: "command", Reason: err.Error()}
}
