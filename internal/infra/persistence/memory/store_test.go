package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"garagecore/pkg/domain"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func seedVehicleAndComponent(t *testing.T, store *Store) (domain.Vehicle, domain.Component) {
	t.Helper()
	var vehicle domain.Vehicle
	var component domain.Component
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		vehicle, err = tx.CreateVehicle(domain.Vehicle{VIN: "1HGCM82633A004352", Mileage: 10000, Active: true})
		if err != nil {
			return err
		}
		component, err = tx.CreateComponent(domain.Component{PartNumber: "ALT-1", InventoryItemID: "alternator", Location: domain.InStorage{LocationID: "shelf-a"}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return vehicle, component
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil, WithClock(fixedClock()))
	vehicle, component := seedVehicleAndComponent(t, store)
	if vehicle.ID == "" || component.ID == "" {
		t.Fatalf("expected generated IDs")
	}
	if vehicle.Version != 1 {
		t.Fatalf("expected version 1, got %d", vehicle.Version)
	}

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateEdge(domain.Edge{Type: domain.EdgeInstalledOn, From: vehicle.ID, To: component.ID, Payload: domain.InstallPayload{Installer: "u1"}}); err != nil {
			return err
		}
		view := tx.Snapshot()
		if len(view.EdgesFrom(vehicle.ID, domain.EdgeInstalledOn)) != 1 {
			t.Fatalf("expected edge visible inside transaction")
		}
		_, err := tx.Emit(domain.EventDraft{Type: domain.EventComponentInstalled, AggregateType: domain.EntityComponent, AggregateID: component.ID})
		return err
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}

	snapshot := store.ExportState()
	if len(snapshot.Edges) != 1 || len(snapshot.Outbox) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	store.ImportState(Snapshot{})
	if err := store.View(context.Background(), func(view domain.TransactionView) error {
		if len(view.ListVehicles()) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	store.ImportState(snapshot)
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		edges := view.EdgesTo(component.ID, domain.EdgeInstalledOn)
		if len(edges) != 1 || edges[0].From != vehicle.ID {
			t.Fatalf("expected restored inbound edge, got %+v", edges)
		}
		return nil
	})
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	vehicle, _ := seedVehicleAndComponent(t, store)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpdateVehicle(vehicle.ID, domain.AnyVersion, func(v *domain.Vehicle) error {
			v.Mileage = 20000
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.Emit(domain.EventDraft{Type: domain.EventMileageUpdated, AggregateType: domain.EntityVehicle, AggregateID: vehicle.ID}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		v, _ := view.FindVehicle(vehicle.ID)
		if v.Mileage != 10000 {
			t.Fatalf("expected mileage unchanged, got %d", v.Mileage)
		}
		return nil
	})
	events, _ := store.ListEvents(context.Background())
	if len(events) != 0 {
		t.Fatalf("expected no events after rollback, got %d", len(events))
	}
}

func TestStoreVersionConflict(t *testing.T) {
	store := NewStore(nil)
	vehicle, _ := seedVehicleAndComponent(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateVehicle(vehicle.ID, vehicle.Version+1, func(v *domain.Vehicle) error { return nil })
		return err
	})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestStoreCancelledContextCommitsNothing(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateVehicle(domain.Vehicle{VIN: "X", Active: true})
		cancel()
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(store.ExportState().Vehicles) != 0 {
		t.Fatalf("expected nothing committed")
	}
}

func TestStoreRulesBlockCommit(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockAll{})
	store := NewStore(engine)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateVehicle(domain.Vehicle{VIN: "X"})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(store.ExportState().Vehicles) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestEdgeValidation(t *testing.T) {
	store := NewStore(nil)
	vehicle, component := seedVehicleAndComponent(t, store)
	cases := []struct {
		name string
		edge domain.Edge
		want error
	}{
		{"unknown type", domain.Edge{Type: "OWNS", From: vehicle.ID, To: component.ID}, domain.ErrValidation},
		{"payload mismatch", domain.Edge{Type: domain.EdgeInstalledOn, From: vehicle.ID, To: component.ID, Payload: domain.TelemetryPayload{}}, domain.ErrValidation},
		{"missing vehicle", domain.Edge{Type: domain.EdgeInstalledOn, From: "ghost", To: component.ID}, domain.ErrNotFound},
		{"missing record", domain.Edge{Type: domain.EdgeConsumed, From: "ghost", To: "oil"}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateEdge(tc.edge)
			return err
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEndEdgeKeepsHistory(t *testing.T) {
	store := NewStore(nil)
	vehicle, component := seedVehicleAndComponent(t, store)
	var edge domain.Edge
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		edge, err = tx.CreateEdge(domain.Edge{Type: domain.EdgeInstalledOn, From: vehicle.ID, To: component.ID})
		return err
	})
	if err != nil {
		t.Fatalf("create edge: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.EndEdge(edge.ID); err != nil {
			return err
		}
		_, err := tx.EndEdge(edge.ID)
		if err == nil {
			t.Fatalf("expected error ending edge twice")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("end edge: %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		edges := view.EdgesFrom(vehicle.ID, domain.EdgeInstalledOn)
		if len(edges) != 1 || edges[0].Open() {
			t.Fatalf("expected one ended edge, got %+v", edges)
		}
		return nil
	})
}

func TestServiceRecordKeyIndex(t *testing.T) {
	store := NewStore(nil)
	vehicle, _ := seedVehicleAndComponent(t, store)
	create := func() error {
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateServiceRecord(domain.ServiceRecord{VehicleID: vehicle.ID, ServiceType: "oil", IdempotencyKey: "k1"})
			return err
		})
		return err
	}
	if err := create(); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := create(); err == nil {
		t.Fatalf("expected duplicate idempotency key rejected")
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindServiceRecordByKey(vehicle.ID, "k1"); !ok {
			t.Fatalf("expected record by key")
		}
		if _, ok := view.FindServiceRecordByKey("other", "k1"); ok {
			t.Fatalf("key is scoped per vehicle")
		}
		return nil
	})
}

func TestOutboxSequencingAndUpdate(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.Emit(domain.EventDraft{Type: domain.EventMileageUpdated, AggregateType: domain.EntityVehicle, AggregateID: "v1"}); err != nil {
				return err
			}
		}
		_, err := tx.Emit(domain.EventDraft{Type: domain.EventVehicleCreated, AggregateType: domain.EntityVehicle, AggregateID: "v2"})
		return err
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	pending, err := store.PendingEvents(ctx, 0)
	if err != nil || len(pending) != 3 {
		t.Fatalf("expected three pending events, got %d (%v)", len(pending), err)
	}
	if pending[1].IdempotencyKey != "v1:2" || pending[2].Sequence != 1 {
		t.Fatalf("unexpected sequencing %+v", pending)
	}
	for i, e := range pending {
		if e.Position != uint64(i+1) {
			t.Fatalf("expected position %d, got %d", i+1, e.Position)
		}
	}
	done := pending[0]
	done.Status = domain.EventAllHandlersSucceeded
	done.Deliveries = map[string]domain.Delivery{"h": {Handler: "h", State: domain.DeliverySucceeded, Attempts: 1}}
	if err := store.UpdateEvent(ctx, done); err != nil {
		t.Fatalf("update event: %v", err)
	}
	pending, _ = store.PendingEvents(ctx, 1)
	if len(pending) != 1 || pending[0].ID == done.ID {
		t.Fatalf("expected completed event skipped, got %+v", pending)
	}
	got, ok, _ := store.GetEvent(ctx, done.ID)
	if !ok || got.Deliveries["h"].Attempts != 1 {
		t.Fatalf("expected delivery persisted, got %+v", got)
	}
	if err := store.UpdateEvent(ctx, domain.Event{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommitHookFailureAborts(t *testing.T) {
	hookErr := errors.New("disk full")
	store := NewStore(nil, WithCommitHook(func(context.Context, Snapshot) error { return hookErr }))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateVehicle(domain.Vehicle{VIN: "X"})
		return err
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(store.ExportState().Vehicles) != 0 {
		t.Fatalf("expected state unchanged")
	}
}

type blockAll struct{}

func (blockAll) Name() string { return "block_all" }

func (blockAll) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block_all", Severity: domain.SeverityBlock}}}, nil
}
