package domain

import (
	"fmt"
	"time"
)

// LocationKind tags a component location variant.
type LocationKind string

// Component location kinds.
const (
	LocationInStorage   LocationKind = "in_storage"
	LocationInstalledOn LocationKind = "installed_on"
	LocationInTransit   LocationKind = "in_transit"
	LocationDisposed    LocationKind = "disposed"
)

// Location is the closed set of places a component can be. Exactly one variant
// is held at a time; the unexported marker keeps the set closed to this package.
type Location interface {
	Kind() LocationKind
	isLocation()
}

// InStorage places a component at a storage location.
type InStorage struct {
	LocationID string
}

// InstalledOn places a component on a vehicle.
type InstalledOn struct {
	VehicleID   string
	InstalledAt time.Time
}

// InTransit places a component between two storage locations.
type InTransit struct {
	From string
	To   string
}

// Disposed is terminal.
type Disposed struct {
	At time.Time
}

func (InStorage) Kind() LocationKind   { return LocationInStorage }
func (InstalledOn) Kind() LocationKind { return LocationInstalledOn }
func (InTransit) Kind() LocationKind   { return LocationInTransit }
func (Disposed) Kind() LocationKind    { return LocationDisposed }

func (InStorage) isLocation()   {}
func (InstalledOn) isLocation() {}
func (InTransit) isLocation()   {}
func (Disposed) isLocation()    {}

// InstalledVehicle returns the vehicle a location points at, if installed.
func InstalledVehicle(loc Location) (string, bool) {
	if inst, ok := loc.(InstalledOn); ok {
		return inst.VehicleID, true
	}
	return "", false
}

// IsDisposed reports whether the location is the terminal variant.
func IsDisposed(loc Location) bool {
	_, ok := loc.(Disposed)
	return ok
}

// DescribeLocation renders a location for messages and logs.
func DescribeLocation(loc Location) string {
	switch l := loc.(type) {
	case InStorage:
		return fmt.Sprintf("InStorage(%s)", l.LocationID)
	case InstalledOn:
		return fmt.Sprintf("InstalledOn(%s, %s)", l.VehicleID, l.InstalledAt.Format(time.RFC3339))
	case InTransit:
		return fmt.Sprintf("InTransit(%s -> %s)", l.From, l.To)
	case Disposed:
		return fmt.Sprintf("Disposed(%s)", l.At.Format(time.RFC3339))
	default:
		return "Unknown"
	}
}

type locationEnvelope struct {
	Kind        LocationKind `json:"kind"`
	LocationID  string       `json:"location_id,omitempty"`
	VehicleID   string       `json:"vehicle_id,omitempty"`
	InstalledAt *time.Time   `json:"installed_at,omitempty"`
	From        string       `json:"from,omitempty"`
	To          string       `json:"to,omitempty"`
	DisposedAt  *time.Time   `json:"disposed_at,omitempty"`
}

func encodeLocation(loc Location) locationEnvelope {
	switch l := loc.(type) {
	case InStorage:
		return locationEnvelope{Kind: LocationInStorage, LocationID: l.LocationID}
	case InstalledOn:
		at := l.InstalledAt
		return locationEnvelope{Kind: LocationInstalledOn, VehicleID: l.VehicleID, InstalledAt: &at}
	case InTransit:
		return locationEnvelope{Kind: LocationInTransit, From: l.From, To: l.To}
	case Disposed:
		at := l.At
		return locationEnvelope{Kind: LocationDisposed, DisposedAt: &at}
	default:
		return locationEnvelope{}
	}
}

func decodeLocation(env locationEnvelope) (Location, error) {
	switch env.Kind {
	case LocationInStorage:
		return InStorage{LocationID: env.LocationID}, nil
	case LocationInstalledOn:
		var at time.Time
		if env.InstalledAt != nil {
			at = *env.InstalledAt
		}
		return InstalledOn{VehicleID: env.VehicleID, InstalledAt: at}, nil
	case LocationInTransit:
		return InTransit{From: env.From, To: env.To}, nil
	case LocationDisposed:
		var at time.Time
		if env.DisposedAt != nil {
			at = *env.DisposedAt
		}
		return Disposed{At: at}, nil
	default:
		return nil, fmt.Errorf("unknown location kind %q", env.Kind)
	}
}
