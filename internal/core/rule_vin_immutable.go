package core

import (
	"context"
	"fmt"

	"garagecore/pkg/domain"
)

// VINImmutableRule blocks changes to a VIN once it has been set.
func VINImmutableRule() domain.Rule {
	return vinImmutableRule{}
}

type vinImmutableRule struct{}

func (vinImmutableRule) Name() string { return "vin_immutable" }

func (r vinImmutableRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityVehicle || change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := domain.DecodePayload[domain.Vehicle](change.Before)
		if !ok || before.VIN == "" {
			continue
		}
		after, ok := domain.DecodePayload[domain.Vehicle](change.After)
		if !ok {
			continue
		}
		if after.VIN != before.VIN {
			res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeVINImmutable, domain.EntityVehicle, after.ID,
				fmt.Sprintf("vehicle %s VIN cannot change from %s", after.ID, before.VIN)))
		}
	}
	return res, nil
}
