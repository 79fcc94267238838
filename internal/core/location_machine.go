package core

import (
	"fmt"

	"garagecore/pkg/domain"
)

// locationTransitions lists the allowed kind-to-kind moves of a component.
// Disposed is terminal and reachable from every other kind.
var locationTransitions = map[domain.LocationKind]map[domain.LocationKind]struct{}{
	domain.LocationInStorage: toSet(
		domain.LocationInstalledOn,
		domain.LocationInTransit,
		domain.LocationDisposed,
	),
	domain.LocationInstalledOn: toSet(
		domain.LocationInStorage,
		domain.LocationDisposed,
	),
	domain.LocationInTransit: toSet(
		domain.LocationInStorage,
		domain.LocationDisposed,
	),
	domain.LocationDisposed: {},
}

// checkLocationTransition reports whether a component may move from one
// location to another. Arrival from transit must land on the transit target.
func checkLocationTransition(componentID string, from, to domain.Location) error {
	if from == nil || to == nil {
		return domain.ValidationError{Field: "location", Reason: "is required"}
	}
	if domain.IsDisposed(from) {
		return domain.NotFoundError{Entity: domain.EntityComponent, ID: componentID}
	}
	if _, ok := locationTransitions[from.Kind()][to.Kind()]; !ok {
		return domain.Reject(domain.Block("location_transition", domain.CodeInvalidLocationTransition, domain.EntityComponent, componentID,
			fmt.Sprintf("component %s cannot move from %s to %s", componentID, domain.DescribeLocation(from), domain.DescribeLocation(to))))
	}
	if transit, ok := from.(domain.InTransit); ok {
		if storage, ok := to.(domain.InStorage); ok && storage.LocationID != transit.To {
			return domain.Reject(domain.Block("location_transition", domain.CodeInvalidLocationTransition, domain.EntityComponent, componentID,
				fmt.Sprintf("component %s is in transit to %s, not %s", componentID, transit.To, storage.LocationID)))
		}
	}
	return nil
}

func toSet[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
