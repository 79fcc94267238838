package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"garagecore/pkg/domain"
)

// Bucket names used by the snapshotting SQL backends. Each edge type gets its
// own collection.
const (
	BucketVehicles       = "vehicles"
	BucketComponents     = "components"
	BucketServiceRecords = "service_records"
	BucketTelemetryLogs  = "telemetry_logs"
	BucketOutbox         = "outbox"
	BucketSequences      = "sequences"
	edgeBucketPrefix     = "edges_"
)

// EdgeBucket returns the collection name for an edge type.
func EdgeBucket(t domain.EdgeType) string {
	return edgeBucketPrefix + strings.ToLower(string(t))
}

// BucketNames lists every bucket in write order.
func BucketNames() []string {
	names := []string{BucketVehicles, BucketComponents, BucketServiceRecords, BucketTelemetryLogs}
	for _, t := range domain.EdgeTypes {
		names = append(names, EdgeBucket(t))
	}
	return append(names, BucketOutbox, BucketSequences)
}

// EncodeBuckets splits a snapshot into JSON payloads keyed by bucket.
func EncodeBuckets(s Snapshot) (map[string][]byte, error) {
	edges := make(map[domain.EdgeType][]domain.Edge, len(domain.EdgeTypes))
	for _, t := range domain.EdgeTypes {
		edges[t] = []domain.Edge{}
	}
	for _, e := range s.Edges {
		edges[e.Type] = append(edges[e.Type], e)
	}
	values := map[string]any{
		BucketVehicles:       nonNilMap(s.Vehicles),
		BucketComponents:     nonNilMap(s.Components),
		BucketServiceRecords: nonNilMap(s.ServiceRecords),
		BucketTelemetryLogs:  nonNilMap(s.TelemetryLogs),
		BucketOutbox:         nonNilSlice(s.Outbox),
		BucketSequences:      nonNilMap(s.Sequences),
	}
	for t, list := range edges {
		values[EdgeBucket(t)] = list
	}
	out := make(map[string][]byte, len(values))
	for name, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// DecodeBuckets rebuilds a snapshot from bucket payloads. Unknown buckets are ignored.
func DecodeBuckets(raw map[string][]byte) (Snapshot, error) {
	var s Snapshot
	for name, payload := range raw {
		var err error
		switch {
		case name == BucketVehicles:
			err = json.Unmarshal(payload, &s.Vehicles)
		case name == BucketComponents:
			err = json.Unmarshal(payload, &s.Components)
		case name == BucketServiceRecords:
			err = json.Unmarshal(payload, &s.ServiceRecords)
		case name == BucketTelemetryLogs:
			err = json.Unmarshal(payload, &s.TelemetryLogs)
		case name == BucketOutbox:
			err = json.Unmarshal(payload, &s.Outbox)
		case name == BucketSequences:
			err = json.Unmarshal(payload, &s.Sequences)
		case strings.HasPrefix(name, edgeBucketPrefix):
			var edges []domain.Edge
			err = json.Unmarshal(payload, &edges)
			s.Edges = append(s.Edges, edges...)
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return s, nil
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// DirtyBuckets remembers the last durable encoding of every bucket so a backend
// rewrites only the buckets a commit changed. Commit hooks run under the store
// lock, which serialises access.
type DirtyBuckets struct {
	written map[string][]byte
}

// Reset records raw as the durable state, typically right after loading.
func (d *DirtyBuckets) Reset(raw map[string][]byte) {
	d.written = make(map[string][]byte, len(raw))
	for name, payload := range raw {
		d.written[name] = payload
	}
}

// Changed lists, in BucketNames order, the buckets whose encoding differs from
// the durable state.
func (d *DirtyBuckets) Changed(next map[string][]byte) []string {
	var out []string
	for _, name := range BucketNames() {
		prev, ok := d.written[name]
		if !ok || !bytes.Equal(prev, next[name]) {
			out = append(out, name)
		}
	}
	return out
}

// Mark records names from next as durable. Call it only after the write committed.
func (d *DirtyBuckets) Mark(next map[string][]byte, names []string) {
	if d.written == nil {
		d.written = make(map[string][]byte, len(names))
	}
	for _, name := range names {
		d.written[name] = next[name]
	}
}
