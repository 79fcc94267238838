package core

import (
	"context"
	"fmt"

	"garagecore/pkg/domain"
)

// ServiceRecordImmutableRule rejects any change to a committed service record
// or to the edges that hang off it. Corrections are new records.
func ServiceRecordImmutableRule() domain.Rule {
	return serviceRecordImmutableRule{}
}

type serviceRecordImmutableRule struct{}

var recordEdges = toSet(domain.EdgePerformedOn, domain.EdgeConsumed, domain.EdgePerformed)

func (serviceRecordImmutableRule) Name() string { return "service_record_immutable" }

func (r serviceRecordImmutableRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Action == domain.ActionCreate {
			continue
		}
		switch change.Entity {
		case domain.EntityServiceRecord:
			rec, _ := domain.DecodePayload[domain.ServiceRecord](change.Before)
			res.Violations = append(res.Violations, domain.Block(r.Name(), domain.CodeServiceRecordImmutable, domain.EntityServiceRecord, rec.ID,
				fmt.Sprintf("service record %s is immutable", rec.ID)))
		case domain.EntityEdge:
			edge, ok := domain.DecodePayload[domain.Edge](change.Before)
			if !ok {
				continue
			}
			if _, guarded := recordEdges[edge.Type]; guarded {
				v := domain.Block(r.Name(), domain.CodeServiceRecordImmutable, domain.EntityEdge, edge.ID,
					fmt.Sprintf("%s edge %s of a service record is immutable", edge.Type, edge.ID))
				v.RelatedID = edge.From
				res.Violations = append(res.Violations, v)
			}
		}
	}
	return res, nil
}
