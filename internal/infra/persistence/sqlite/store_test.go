package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"garagecore/internal/infra/persistence/memory"
	"garagecore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	var vehicleID string
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		v, err := tx.CreateVehicle(domain.Vehicle{VIN: "VIN1", Mileage: 100, Active: true})
		if err != nil {
			return err
		}
		vehicleID = v.ID
		c, err := tx.CreateComponent(domain.Component{PartNumber: "P1", InventoryItemID: "item", Location: domain.InStorage{LocationID: "bay"}})
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(domain.Edge{Type: domain.EdgeInstalledOn, From: v.ID, To: c.ID, Payload: domain.InstallPayload{Installer: "u1", Mileage: 100}}); err != nil {
			return err
		}
		_, err = tx.Emit(domain.EventDraft{Type: domain.EventVehicleCreated, AggregateType: domain.EntityVehicle, AggregateID: v.ID})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	snapshot := reloaded.ExportState()
	if len(snapshot.Vehicles) != 1 || len(snapshot.Components) != 1 {
		t.Fatalf("expected documents restored, got %+v", snapshot)
	}
	if len(snapshot.Edges) != 1 || snapshot.Edges[0].Payload == nil {
		t.Fatalf("expected typed edge restored, got %+v", snapshot.Edges)
	}
	events, _ := reloaded.ListEvents(context.Background())
	if len(events) != 1 || events[0].AggregateID != vehicleID {
		t.Fatalf("expected outbox restored, got %+v", events)
	}
}

func TestSQLiteStoreWritesEdgeCollections(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateVehicle(domain.Vehicle{VIN: "VIN2", Active: true})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count buckets: %v", err)
	}
	if count != len(memory.BucketNames()) {
		t.Fatalf("expected %d buckets, got %d", len(memory.BucketNames()), count)
	}
	var payload string
	if err := store.DB().QueryRow(`SELECT payload FROM state WHERE bucket = ?`, memory.EdgeBucket(domain.EdgeConsumed)).Scan(&payload); err != nil {
		t.Fatalf("lookup consumed bucket: %v", err)
	}
	if payload != "[]" {
		t.Fatalf("expected empty consumed collection, got %s", payload)
	}
}

func TestSQLiteStoreFailedTransactionLeavesDatabaseUntouched(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateVehicle("missing", domain.AnyVersion, func(*domain.Vehicle) error { return nil })
		return err
	})
	if err == nil {
		t.Fatalf("expected not found")
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no buckets written, got %d", count)
	}
}

func TestSQLiteStoreRewritesOnlyChangedBuckets(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	create := func(vin string) {
		t.Helper()
		if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateVehicle(domain.Vehicle{VIN: vin, Active: true})
			return err
		}); err != nil {
			t.Fatalf("create %s: %v", vin, err)
		}
	}
	create("VIN3")
	consumed := memory.EdgeBucket(domain.EdgeConsumed)
	if _, err := store.DB().Exec(`UPDATE state SET payload = ? WHERE bucket = ?`, "[ ]", consumed); err != nil {
		t.Fatalf("mark bucket: %v", err)
	}
	create("VIN4")

	var payload string
	if err := store.DB().QueryRow(`SELECT payload FROM state WHERE bucket = ?`, consumed).Scan(&payload); err != nil {
		t.Fatalf("lookup consumed bucket: %v", err)
	}
	if payload != "[ ]" {
		t.Fatalf("unchanged bucket was rewritten: %s", payload)
	}
	var vehicles string
	if err := store.DB().QueryRow(`SELECT payload FROM state WHERE bucket = ?`, memory.BucketVehicles).Scan(&vehicles); err != nil {
		t.Fatalf("lookup vehicles bucket: %v", err)
	}
	if !strings.Contains(vehicles, "VIN4") {
		t.Fatalf("vehicles bucket not rewritten: %s", vehicles)
	}
}
