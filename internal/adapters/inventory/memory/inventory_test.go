package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"garagecore/pkg/domain"
)

func TestAllocateAndDeductAreIdempotent(t *testing.T) {
	ctx := context.Background()
	inv := New(map[string]int64{"oil": 10})

	r, err := inv.Deduct(ctx, "oil", 4, "rec:0")
	if err != nil || r.Duplicate {
		t.Fatalf("first deduct: %+v %v", r, err)
	}
	r, err = inv.Deduct(ctx, "oil", 4, "rec:0")
	if err != nil || !r.Duplicate {
		t.Fatalf("replayed deduct should be duplicate: %+v %v", r, err)
	}
	if got := inv.Item("oil").OnHand; got != 6 {
		t.Fatalf("expected 6 on hand, got %d", got)
	}
	if _, err := inv.Allocate(ctx, "oil", 1, "rec:0"); err != nil {
		t.Fatalf("allocate under a deduct key must not collide: %v", err)
	}
	if got := inv.Item("oil"); got.Reserved != 1 || got.Available() != 5 {
		t.Fatalf("unexpected position %+v", got)
	}
	if inv.Calls("deduct") != 2 || inv.Calls("allocate") != 1 {
		t.Fatalf("unexpected call counts")
	}
}

func TestInsufficientStock(t *testing.T) {
	ctx := context.Background()
	inv := New(map[string]int64{"pad": 1})
	ok, err := inv.CheckStock(ctx, "pad", 2)
	if err != nil || ok {
		t.Fatalf("expected insufficient stock, got %v %v", ok, err)
	}
	_, err = inv.Deduct(ctx, "pad", 2, "k")
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := inv.Deduct(ctx, "pad", 0, "k2"); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
}

func TestConcurrentAllocationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	inv := New(map[string]int64{"tire": 20})
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := inv.Allocate(ctx, "tire", 1, string(rune('a'+i))); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 20 {
		t.Fatalf("expected 20 successful allocations, got %d", succeeded)
	}
	if got := inv.Item("tire").Available(); got != 0 {
		t.Fatalf("expected nothing available, got %d", got)
	}
}

func TestRestoreReturnsDeductedStockOnce(t *testing.T) {
	ctx := context.Background()
	inv := New(map[string]int64{"oil": 10})
	if _, err := inv.Deduct(ctx, "oil", 10, "rec:0"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	r, err := inv.Restore(ctx, "oil", 4, "rec:0:reversal")
	if err != nil || r.Duplicate {
		t.Fatalf("first restore: %+v %v", r, err)
	}
	r, err = inv.Restore(ctx, "oil", 4, "rec:0:reversal")
	if err != nil || !r.Duplicate {
		t.Fatalf("replayed restore should be duplicate: %+v %v", r, err)
	}
	if got := inv.Item("oil").OnHand; got != 4 {
		t.Fatalf("expected 4 on hand, got %d", got)
	}
	if _, err := inv.Restore(ctx, "oil", -1, "neg"); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
}
