package core

import (
	"context"
	"fmt"

	"garagecore/pkg/domain"
)

// ConsumptionUniqueRule guarantees one CONSUMED edge per (record, item) pair.
func ConsumptionUniqueRule() domain.Rule {
	return consumptionUniqueRule{}
}

type consumptionUniqueRule struct{}

func (consumptionUniqueRule) Name() string { return "consumption_unique" }

func (r consumptionUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	checked := map[string]struct{}{}
	for _, change := range changes {
		if change.Entity != domain.EntityEdge || change.Action != domain.ActionCreate {
			continue
		}
		edge, ok := domain.DecodePayload[domain.Edge](change.After)
		if !ok || edge.Type != domain.EdgeConsumed {
			continue
		}
		if _, done := checked[edge.From]; done {
			continue
		}
		checked[edge.From] = struct{}{}
		counts := map[string]int{}
		for _, e := range view.EdgesFrom(edge.From, domain.EdgeConsumed) {
			counts[e.To]++
		}
		for item, n := range counts {
			if n > 1 {
				v := domain.Block(r.Name(), domain.CodeDuplicateConsumption, domain.EntityServiceRecord, edge.From,
					fmt.Sprintf("record %s consumes item %s %d times", edge.From, item, n))
				v.RelatedID = item
				res.Violations = append(res.Violations, v)
			}
		}
	}
	return res, nil
}
