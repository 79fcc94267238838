package memory

import (
	"context"
	"testing"
)

func TestRecordCostIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New()
	if r, err := l.RecordCost(ctx, "v1", 2000, "rec", "rec:0"); err != nil || r.Duplicate {
		t.Fatalf("first record: %+v %v", r, err)
	}
	if r, err := l.RecordCost(ctx, "v1", 2000, "rec", "rec:0"); err != nil || !r.Duplicate {
		t.Fatalf("replay should be duplicate: %+v %v", r, err)
	}
	if _, err := l.RecordCost(ctx, "v1", 500, "rec", "rec:labor"); err != nil {
		t.Fatalf("labor: %v", err)
	}
	if _, err := l.RecordCost(ctx, "v2", 100, "other", "other:0"); err != nil {
		t.Fatalf("other vehicle: %v", err)
	}
	if got := len(l.Entries()); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if got := l.TotalFor("v1"); got != 2500 {
		t.Fatalf("expected 2500 for v1, got %d", got)
	}
}

func TestRecordCostHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().RecordCost(ctx, "v", 1, "r", "k"); err == nil {
		t.Fatalf("expected context error")
	}
}
