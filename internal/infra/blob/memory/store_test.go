package memory

import (
	"context"
	"errors"
	"testing"

	"garagecore/internal/blob/core"
)

func TestArchiveWriteReadScanRemove(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, _, err := store.Read(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	labels := map[string]string{"handler": "service_consumption"}
	rec, err := store.Write(ctx, "dead-letters/service_consumption/e1.json", []byte(`{"a":1}`), labels)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Size != 7 || rec.Checksum != core.Checksum([]byte(`{"a":1}`)) {
		t.Fatalf("unexpected record %+v", rec)
	}
	labels["handler"] = "mutated"
	if _, err := store.Write(ctx, "dead-letters/service_consumption/e1.json", []byte("{}"), nil); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Write(ctx, "other/e2.json", []byte("{}"), nil); err != nil {
		t.Fatalf("write other: %v", err)
	}

	recs, err := store.Scan(ctx, "dead-letters/")
	if err != nil || len(recs) != 1 {
		t.Fatalf("scan: %v %d", err, len(recs))
	}
	if recs[0].Labels["handler"] != "service_consumption" {
		t.Fatalf("labels must be copied on write, got %v", recs[0].Labels)
	}
	_, doc, err := store.Read(ctx, recs[0].Key)
	if err != nil || string(doc) != `{"a":1}` {
		t.Fatalf("read: %v %q", err, doc)
	}
	doc[0] = 'X'
	if _, again, _ := store.Read(ctx, recs[0].Key); string(again) != `{"a":1}` {
		t.Fatalf("read must return a private copy")
	}

	if ok, err := store.Remove(ctx, recs[0].Key); err != nil || !ok {
		t.Fatalf("remove: %v %v", ok, err)
	}
	if ok, _ := store.Remove(ctx, recs[0].Key); ok {
		t.Fatalf("second remove should report false")
	}
}

func TestArchiveRejectsBadKeysAndCancelledContext(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Write(context.Background(), "../x", []byte("{}"), nil); !errors.Is(err, core.ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Write(ctx, "k", []byte("{}"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
