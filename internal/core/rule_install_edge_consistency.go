package core

import (
	"context"
	"fmt"
	"sort"

	"garagecore/pkg/domain"
)

// InstallEdgeConsistencyRule keeps INSTALLED_ON edges and component locations
// in agreement for every component or vehicle touched by a transaction:
// at most one open edge per component, open edges only from active vehicles,
// and location InstalledOn(V) exactly when an open edge runs from V.
func InstallEdgeConsistencyRule() domain.Rule {
	return installEdgeConsistencyRule{}
}

type installEdgeConsistencyRule struct{}

func (installEdgeConsistencyRule) Name() string { return "install_edge_consistency" }

func (r installEdgeConsistencyRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	components := map[string]struct{}{}
	vehicles := map[string]struct{}{}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityComponent:
			if c, ok := domain.DecodePayload[domain.Component](change.After); ok {
				components[c.ID] = struct{}{}
			}
		case domain.EntityVehicle:
			if v, ok := domain.DecodePayload[domain.Vehicle](change.After); ok {
				vehicles[v.ID] = struct{}{}
			}
		case domain.EntityEdge:
			if e, ok := domain.DecodePayload[domain.Edge](change.After); ok && e.Type == domain.EdgeInstalledOn {
				components[e.To] = struct{}{}
				vehicles[e.From] = struct{}{}
			}
		}
	}

	var res domain.Result
	for _, id := range sortedKeys(components) {
		res.Violations = append(res.Violations, r.checkComponent(view, id)...)
	}
	for _, id := range sortedKeys(vehicles) {
		vehicle, ok := view.FindVehicle(id)
		if !ok || vehicle.Active {
			continue
		}
		for _, edge := range view.EdgesFrom(id, domain.EdgeInstalledOn) {
			if edge.Open() {
				v := domain.Block(r.Name(), domain.CodeInstallationNotAllowed, domain.EntityVehicle, id,
					fmt.Sprintf("inactive vehicle %s still has component %s installed", id, edge.To))
				v.RelatedID = edge.To
				res.Violations = append(res.Violations, v)
			}
		}
	}
	return res, nil
}

func (r installEdgeConsistencyRule) checkComponent(view domain.RuleView, id string) []domain.Violation {
	component, ok := view.FindComponent(id)
	if !ok {
		return nil
	}
	var open []domain.Edge
	for _, edge := range view.EdgesTo(id, domain.EdgeInstalledOn) {
		if edge.Open() {
			open = append(open, edge)
		}
	}
	var out []domain.Violation
	if len(open) > 1 {
		v := domain.Block(r.Name(), domain.CodeComponentAlreadyInstalled, domain.EntityComponent, id,
			fmt.Sprintf("component %s has %d open installations", id, len(open)))
		v.RelatedID = open[0].From
		out = append(out, v)
	}
	vehicleID, installed := domain.InstalledVehicle(component.Location)
	switch {
	case installed && (len(open) != 1 || open[0].From != vehicleID):
		out = append(out, domain.Block(r.Name(), domain.CodeInstallEdgeInconsistent, domain.EntityComponent, id,
			fmt.Sprintf("component %s is located on %s without a matching open edge", id, vehicleID)))
	case !installed && len(open) > 0:
		out = append(out, domain.Block(r.Name(), domain.CodeInstallEdgeInconsistent, domain.EntityComponent, id,
			fmt.Sprintf("component %s has an open installation but is %s", id, domain.DescribeLocation(component.Location))))
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
