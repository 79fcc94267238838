package postgres

import (
	"context"
	"os"
	"testing"
)

func TestRecordCostAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("GARAGECORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GARAGECORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	l, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer l.Close()
	if _, err := l.db.Exec(ctx, `DELETE FROM garage_cost_entries WHERE vehicle_id = 'test-vehicle'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	r, err := l.RecordCost(ctx, "test-vehicle", 2000, "test-rec", "test-rec:0")
	if err != nil || r.Duplicate {
		t.Fatalf("first record: %+v %v", r, err)
	}
	r, err = l.RecordCost(ctx, "test-vehicle", 2000, "test-rec", "test-rec:0")
	if err != nil || !r.Duplicate {
		t.Fatalf("replay should be duplicate: %+v %v", r, err)
	}
	total, err := l.TotalFor(ctx, "test-vehicle")
	if err != nil || total != 2000 {
		t.Fatalf("expected 2000, got %d (%v)", total, err)
	}
}
