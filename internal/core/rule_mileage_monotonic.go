package core

import (
	"context"
	"fmt"

	"garagecore/pkg/domain"
)

// MileageMonotonicRule blocks any committed vehicle update that lowers mileage.
func MileageMonotonicRule() domain.Rule {
	return mileageMonotonicRule{}
}

type mileageMonotonicRule struct{}

func (mileageMonotonicRule) Name() string { return "mileage_monotonic" }

func (r mileageMonotonicRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityVehicle || change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := domain.DecodePayload[domain.Vehicle](change.Before)
		if !ok {
			continue
		}
		after, ok := domain.DecodePayload[domain.Vehicle](change.After)
		if !ok {
			continue
		}
		if after.Mileage < before.Mileage {
			res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeMileageCannotDecrease, domain.EntityVehicle, after.ID,
				fmt.Sprintf("vehicle %s mileage decreased from %d to %d", after.ID, before.Mileage, after.Mileage)))
		}
	}
	return res, nil
}
