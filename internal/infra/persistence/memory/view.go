package memory

import (
	"sort"

	"garagecore/pkg/domain"
)

// transactionView exposes a read-only snapshot of the state to rules and queries.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListVehicles() []domain.Vehicle {
	out := make([]domain.Vehicle, 0, len(v.state.vehicles))
	for _, vehicle := range v.state.vehicles {
		out = append(out, vehicle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListComponents() []domain.Component {
	out := make([]domain.Component, 0, len(v.state.components))
	for _, c := range v.state.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListServiceRecords() []domain.ServiceRecord {
	out := make([]domain.ServiceRecord, 0, len(v.state.records))
	for _, r := range v.state.records {
		out = append(out, cloneServiceRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (v transactionView) ListTelemetryLogs() []domain.TelemetryLog {
	out := make([]domain.TelemetryLog, 0, len(v.state.telemetry))
	for _, t := range v.state.telemetry {
		out = append(out, cloneTelemetry(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

func (v transactionView) FindVehicle(id string) (domain.Vehicle, bool) {
	vehicle, ok := v.state.vehicles[id]
	return vehicle, ok
}

func (v transactionView) FindComponent(id string) (domain.Component, bool) {
	c, ok := v.state.components[id]
	return c, ok
}

func (v transactionView) FindServiceRecord(id string) (domain.ServiceRecord, bool) {
	r, ok := v.state.records[id]
	if !ok {
		return domain.ServiceRecord{}, false
	}
	return cloneServiceRecord(r), true
}

func (v transactionView) FindServiceRecordByKey(vehicleID, key string) (domain.ServiceRecord, bool) {
	if key == "" {
		return domain.ServiceRecord{}, false
	}
	id, ok := v.state.recordKeys[recordKey(vehicleID, key)]
	if !ok {
		return domain.ServiceRecord{}, false
	}
	return v.FindServiceRecord(id)
}

func (v transactionView) FindTelemetryLog(id string) (domain.TelemetryLog, bool) {
	t, ok := v.state.telemetry[id]
	if !ok {
		return domain.TelemetryLog{}, false
	}
	return cloneTelemetry(t), true
}

func (v transactionView) FindEdge(id string) (domain.Edge, bool) {
	e, ok := v.state.edges[id]
	if !ok {
		return domain.Edge{}, false
	}
	return cloneEdge(e), true
}

func (v transactionView) EdgesFrom(node string, t domain.EdgeType) []domain.Edge {
	return v.collect(v.state.outbound[node], t)
}

func (v transactionView) EdgesTo(node string, t domain.EdgeType) []domain.Edge {
	return v.collect(v.state.inbound[node], t)
}

func (v transactionView) collect(ids []string, t domain.EdgeType) []domain.Edge {
	var out []domain.Edge
	for _, id := range ids {
		e := v.state.edges[id]
		if t != "" && e.Type != t {
			continue
		}
		out = append(out, cloneEdge(e))
	}
	return out
}
