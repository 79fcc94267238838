package core

import (
	"context"
	"errors"
	"reflect"
	"testing"

	finmem "garagecore/internal/adapters/finance/memory"
	invmem "garagecore/internal/adapters/inventory/memory"
	"garagecore/pkg/domain"
)

func eventWith[T any](t *testing.T, id string, typ domain.EventType, key string, payload T) domain.Event {
	t.Helper()
	p, err := domain.NewChangePayloadFromValue(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return domain.Event{ID: id, Type: typ, AggregateID: "agg", IdempotencyKey: key, Payload: p}
}

func serviceEvent(t *testing.T) domain.Event {
	return eventWith(t, "ev-svc", domain.EventServiceRecorded, "veh-1:1", domain.ServiceRecordedPayload{
		RecordID:  "rec-1",
		VehicleID: "veh-1",
		Parts: []domain.ConsumptionLine{
			{ItemID: "oil", Quantity: 5, UnitCostCents: 400},
			{ItemID: "filter", Quantity: 1, UnitCostCents: 1500},
		},
		LaborCents: 6000,
	})
}

func correctionEvent(t *testing.T) domain.Event {
	return eventWith(t, "ev-fix", domain.EventServiceRecorded, "veh-1:2", domain.ServiceRecordedPayload{
		RecordID:   "rec-2",
		VehicleID:  "veh-1",
		Parts:      []domain.ConsumptionLine{{ItemID: "oil", Quantity: 4, UnitCostCents: 400}},
		LaborCents: 3000,
		Supersedes: "rec-1",
		Reversed: []domain.ConsumptionLine{
			{ItemID: "oil", Quantity: 5, UnitCostCents: 400},
			{ItemID: "filter", Quantity: 1, UnitCostCents: 1500},
		},
		ReversedLaborCents: 6000,
	})
}

func TestServiceConsumptionHandlerAppliesOnce(t *testing.T) {
	ctx := context.Background()
	inventory := invmem.New(map[string]int64{"oil": 20, "filter": 2})
	finance := finmem.New()
	ledger := NewMemoryLedger()
	h := NewServiceConsumptionHandler(inventory, finance, ledger, nil)
	event := serviceEvent(t)

	if !h.Handles(domain.EventServiceRecorded) || h.Handles(domain.EventComponentInstalled) {
		t.Fatalf("unexpected event subscription")
	}
	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, event); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	if inventory.Item("oil").OnHand != 15 || inventory.Item("filter").OnHand != 1 {
		t.Fatalf("unexpected stock oil=%+v filter=%+v", inventory.Item("oil"), inventory.Item("filter"))
	}
	if n := inventory.Calls("deduct"); n != 2 {
		t.Fatalf("ledger must short-circuit the replay, got %d deduct calls", n)
	}
	if got := finance.TotalFor("veh-1"); got != 2000+1500+6000 {
		t.Fatalf("unexpected finance total %d", got)
	}
	if ledger.Len() != 5 {
		t.Fatalf("expected 5 ledger keys, got %d", ledger.Len())
	}

	keys := map[string]bool{}
	for _, e := range finance.Entries() {
		keys[e.Key] = true
	}
	want := map[string]bool{LineKey("rec-1", 0): true, LineKey("rec-1", 1): true, LaborKey("rec-1"): true}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("finance keys = %v, want %v", keys, want)
	}
}

func TestServiceConsumptionHandlerReversesSupersededRecord(t *testing.T) {
	ctx := context.Background()
	inventory := invmem.New(map[string]int64{"oil": 20, "filter": 2})
	finance := finmem.New()
	h := NewServiceConsumptionHandler(inventory, finance, NewMemoryLedger(), nil)

	if err := h.Handle(ctx, serviceEvent(t)); err != nil {
		t.Fatalf("original: %v", err)
	}
	fix := correctionEvent(t)
	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, fix); err != nil {
			t.Fatalf("correction %d: %v", i, err)
		}
	}
	// a restarted handler with an empty ledger must not reverse twice
	if err := NewServiceConsumptionHandler(inventory, finance, NewMemoryLedger(), nil).Handle(ctx, fix); err != nil {
		t.Fatalf("correction after restart: %v", err)
	}

	if got := finance.TotalFor("veh-1"); got != 1600+3000 {
		t.Fatalf("finance total %d, want only the correction's cost", got)
	}
	if oil, filter := inventory.Item("oil").OnHand, inventory.Item("filter").OnHand; oil != 16 || filter != 2 {
		t.Fatalf("expected superseded stock restored, got oil=%d filter=%d", oil, filter)
	}
	reversals := map[string]int64{}
	for _, e := range finance.Entries() {
		if e.AmountCents < 0 {
			reversals[e.Key] = e.AmountCents
		}
	}
	want := map[string]int64{
		ReversalKey(LineKey("rec-1", 0)): -2000,
		ReversalKey(LineKey("rec-1", 1)): -1500,
		ReversalKey(LaborKey("rec-1")):   -6000,
	}
	if !reflect.DeepEqual(reversals, want) {
		t.Fatalf("reversals = %v, want %v", reversals, want)
	}
}

func TestServiceConsumptionHandlerReliesOnCollaboratorKeys(t *testing.T) {
	ctx := context.Background()
	inventory := invmem.New(map[string]int64{"oil": 20, "filter": 2})
	finance := finmem.New()
	event := serviceEvent(t)

	// a fresh ledger per run simulates a restart that lost handler state
	for i := 0; i < 2; i++ {
		if err := NewServiceConsumptionHandler(inventory, finance, NewMemoryLedger(), nil).Handle(ctx, event); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if got := inventory.Item("oil").OnHand; got != 15 {
		t.Fatalf("expected 15 oil on hand, got %d", got)
	}
	if n := inventory.Calls("deduct"); n != 4 {
		t.Fatalf("expected 4 deduct calls, got %d", n)
	}
	if n := len(finance.Entries()); n != 3 {
		t.Fatalf("expected 3 finance entries, got %d", n)
	}
}

func TestServiceConsumptionHandlerShortfallIsPermanent(t *testing.T) {
	inventory := invmem.New(map[string]int64{"oil": 1})
	h := NewServiceConsumptionHandler(inventory, finmem.New(), nil, nil)
	err := h.Handle(context.Background(), serviceEvent(t))
	if !errors.Is(err, domain.ErrInsufficientStock) || !isPermanent(err) {
		t.Fatalf("expected permanent ErrInsufficientStock, got %v", err)
	}
}

func TestHandlersRejectMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	inventory := invmem.New(nil)
	bad := domain.Event{ID: "ev-bad", Type: domain.EventServiceRecorded, Payload: domain.NewChangePayload([]byte(`{"record_id":""}`))}

	if err := NewServiceConsumptionHandler(inventory, finmem.New(), nil, nil).Handle(ctx, bad); err == nil || !isPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	bad.Type = domain.EventComponentInstalled
	if err := NewInventoryAllocationHandler(inventory, nil, nil).Handle(ctx, bad); err == nil || !isPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestInventoryAllocationHandlerReservesPerComponent(t *testing.T) {
	ctx := context.Background()
	inventory := invmem.New(map[string]int64{"alternator": 1})
	h := NewInventoryAllocationHandler(inventory, NewMemoryLedger(), nil)
	install := func(id, key, component string) domain.Event {
		return eventWith(t, id, domain.EventComponentInstalled, key, domain.ComponentInstalledPayload{
			VehicleID: "veh-1", ComponentID: component, InventoryItemID: "alternator",
		})
	}

	if err := h.Handle(ctx, install("ev-inst", "comp-1:2", "comp-1")); err != nil {
		t.Fatalf("install: %v", err)
	}
	// reinstalling the same component is a new event but the same reservation
	if err := NewInventoryAllocationHandler(inventory, NewMemoryLedger(), nil).Handle(ctx, install("ev-reinst", "comp-1:4", "comp-1")); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if got := inventory.Item("alternator").Reserved; got != 1 {
		t.Fatalf("expected one reservation, got %d", got)
	}

	err := h.Handle(ctx, install("ev-inst-2", "comp-2:2", "comp-2"))
	if !isPermanent(err) {
		t.Fatalf("second component must exhaust stock permanently, got %v", err)
	}
}

type brokenInventory struct{ domain.Inventory }

func (brokenInventory) Allocate(context.Context, string, int64, string) (domain.Receipt, error) {
	return domain.Receipt{}, errors.New("connection reset")
}

func TestCollaboratorOutageIsRetryable(t *testing.T) {
	h := NewInventoryAllocationHandler(brokenInventory{}, nil, nil)
	event := eventWith(t, "ev-inst", domain.EventComponentInstalled, "comp-1:2", domain.ComponentInstalledPayload{ComponentID: "comp-1", InventoryItemID: "alternator"})
	err := h.Handle(context.Background(), event)
	if err == nil || isPermanent(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestApplyOnceLedgerErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := applyOnce(ctx, NewMemoryLedger(), "k", func() error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("expected cancelled lookup without running, got %v ran=%v", err, ran)
	}
}
