package core

import (
	"context"
	"errors"
	"fmt"

	"garagecore/pkg/domain"
)

// LocationTransitionRule blocks component location changes that the state
// machine does not allow, including any change to a disposed component.
func LocationTransitionRule() domain.Rule {
	return locationTransitionRule{}
}

type locationTransitionRule struct{}

func (locationTransitionRule) Name() string { return "location_transition" }

func (r locationTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityComponent {
			continue
		}
		after, ok := domain.DecodePayload[domain.Component](change.After)
		if !ok {
			continue
		}
		if change.Action == domain.ActionCreate {
			if after.Location == nil || after.Location.Kind() != domain.LocationInStorage {
				res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeInvalidLocationTransition, domain.EntityComponent, after.ID,
					fmt.Sprintf("component %s must be cataloged into storage", after.ID)))
			}
			continue
		}
		before, ok := domain.DecodePayload[domain.Component](change.Before)
		if !ok || before.Location == nil {
			continue
		}
		if domain.IsDisposed(before.Location) {
			res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeInvalidLocationTransition, domain.EntityComponent, after.ID,
				fmt.Sprintf("component %s is disposed", after.ID)))
			continue
		}
		if after.Location == before.Location {
			continue
		}
		if err := checkLocationTransition(after.ID, before.Location, after.Location); err != nil {
			var rv domain.RuleViolationError
			if errors.As(err, &rv) {
				for _, v := range rv.Result.Violations {
					v.Rule = r.Name()
					res.Violations = append(res.Violations, v)
				}
				continue
			}
			res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeInvalidLocationTransition, domain.EntityComponent, after.ID, err.Error()))
		}
	}
	return res, nil
}
