package memory

import (
	"sort"

	"garagecore/pkg/domain"
)

type memoryState struct {
	vehicles   map[string]domain.Vehicle
	components map[string]domain.Component
	records    map[string]domain.ServiceRecord
	telemetry  map[string]domain.TelemetryLog
	edges      map[string]domain.Edge
	edgeOrder  []string
	outbound   map[string][]string
	inbound    map[string][]string
	recordKeys map[string]string
	events     []domain.Event
	eventIndex map[string]int
	sequences  map[string]uint64
}

// Snapshot captures a point-in-time clone of the store state. Edges and events
// are kept in creation order.
type Snapshot struct {
	Vehicles       map[string]domain.Vehicle       `json:"vehicles"`
	Components     map[string]domain.Component     `json:"components"`
	ServiceRecords map[string]domain.ServiceRecord `json:"service_records"`
	TelemetryLogs  map[string]domain.TelemetryLog  `json:"telemetry_logs"`
	Edges          []domain.Edge                   `json:"edges"`
	Outbox         []domain.Event                  `json:"outbox"`
	Sequences      map[string]uint64               `json:"sequences"`
}

func newMemoryState() memoryState {
	return memoryState{
		vehicles:   make(map[string]domain.Vehicle),
		components: make(map[string]domain.Component),
		records:    make(map[string]domain.ServiceRecord),
		telemetry:  make(map[string]domain.TelemetryLog),
		edges:      make(map[string]domain.Edge),
		outbound:   make(map[string][]string),
		inbound:    make(map[string][]string),
		recordKeys: make(map[string]string),
		eventIndex: make(map[string]int),
		sequences:  make(map[string]uint64),
	}
}

func recordKey(vehicleID, key string) string {
	return vehicleID + "\x00" + key
}

func (s memoryState) clone() memoryState {
	cp := newMemoryState()
	for k, v := range s.vehicles {
		cp.vehicles[k] = v
	}
	for k, v := range s.components {
		cp.components[k] = v
	}
	for k, v := range s.records {
		cp.records[k] = cloneServiceRecord(v)
	}
	for k, v := range s.telemetry {
		cp.telemetry[k] = cloneTelemetry(v)
	}
	for k, v := range s.edges {
		cp.edges[k] = cloneEdge(v)
	}
	cp.edgeOrder = append([]string(nil), s.edgeOrder...)
	for k, v := range s.outbound {
		cp.outbound[k] = append([]string(nil), v...)
	}
	for k, v := range s.inbound {
		cp.inbound[k] = append([]string(nil), v...)
	}
	for k, v := range s.recordKeys {
		cp.recordKeys[k] = v
	}
	cp.events = make([]domain.Event, len(s.events))
	for i, e := range s.events {
		cp.events[i] = domain.CloneEvent(e)
	}
	for k, v := range s.eventIndex {
		cp.eventIndex[k] = v
	}
	for k, v := range s.sequences {
		cp.sequences[k] = v
	}
	return cp
}

func (s *memoryState) indexEdge(e domain.Edge) {
	s.edges[e.ID] = cloneEdge(e)
	s.edgeOrder = append(s.edgeOrder, e.ID)
	s.outbound[e.From] = append(s.outbound[e.From], e.ID)
	s.inbound[e.To] = append(s.inbound[e.To], e.ID)
}

func (s *memoryState) appendEvent(e domain.Event) {
	s.eventIndex[e.ID] = len(s.events)
	s.events = append(s.events, domain.CloneEvent(e))
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Vehicles:       make(map[string]domain.Vehicle, len(state.vehicles)),
		Components:     make(map[string]domain.Component, len(state.components)),
		ServiceRecords: make(map[string]domain.ServiceRecord, len(state.records)),
		TelemetryLogs:  make(map[string]domain.TelemetryLog, len(state.telemetry)),
		Edges:          make([]domain.Edge, 0, len(state.edgeOrder)),
		Outbox:         make([]domain.Event, 0, len(state.events)),
		Sequences:      make(map[string]uint64, len(state.sequences)),
	}
	for k, v := range state.vehicles {
		s.Vehicles[k] = v
	}
	for k, v := range state.components {
		s.Components[k] = v
	}
	for k, v := range state.records {
		s.ServiceRecords[k] = cloneServiceRecord(v)
	}
	for k, v := range state.telemetry {
		s.TelemetryLogs[k] = cloneTelemetry(v)
	}
	for _, id := range state.edgeOrder {
		s.Edges = append(s.Edges, cloneEdge(state.edges[id]))
	}
	for _, e := range state.events {
		s.Outbox = append(s.Outbox, domain.CloneEvent(e))
	}
	for k, v := range state.sequences {
		s.Sequences[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Vehicles {
		state.vehicles[k] = v
	}
	for k, v := range s.Components {
		state.components[k] = v
	}
	for k, v := range s.ServiceRecords {
		state.records[k] = cloneServiceRecord(v)
		if v.IdempotencyKey != "" {
			state.recordKeys[recordKey(v.VehicleID, v.IdempotencyKey)] = k
		}
	}
	for k, v := range s.TelemetryLogs {
		state.telemetry[k] = cloneTelemetry(v)
	}
	edges := append([]domain.Edge(nil), s.Edges...)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].CreatedAt.Before(edges[j].CreatedAt) })
	for _, e := range edges {
		state.indexEdge(e)
	}
	events := append([]domain.Event(nil), s.Outbox...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Position < events[j].Position })
	for _, e := range events {
		state.appendEvent(e)
	}
	for k, v := range s.Sequences {
		state.sequences[k] = v
	}
	return state
}

func cloneServiceRecord(r domain.ServiceRecord) domain.ServiceRecord {
	cp := r
	cp.Parts = append([]domain.ConsumptionLine(nil), r.Parts...)
	return cp
}

func cloneTelemetry(t domain.TelemetryLog) domain.TelemetryLog {
	cp := t
	if t.Readings != nil {
		cp.Readings = make(map[string]float64, len(t.Readings))
		for k, v := range t.Readings {
			cp.Readings[k] = v
		}
	}
	return cp
}

func cloneEdge(e domain.Edge) domain.Edge {
	cp := e
	if e.EndedAt != nil {
		at := *e.EndedAt
		cp.EndedAt = &at
	}
	return cp
}
