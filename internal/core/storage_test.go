package core

import (
	"context"
	"path/filepath"
	"testing"

	"garagecore/internal/config"
	"garagecore/pkg/domain"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	store, err := OpenPersistentStore(context.Background(), config.StorageConfig{Driver: "memory"}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenPersistentStoreSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "garage.db")}

	store, err := OpenPersistentStore(ctx, cfg, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	v, _, err := NewService(store).RegisterVehicle(ctx, RegisterVehicleCommand{VIN: testVIN, Name: "van", Mileage: 42})
	if err != nil {
		t.Fatalf("register vehicle: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPersistentStore(ctx, cfg, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	var got domain.Vehicle
	var found bool
	if err := reopened.View(ctx, func(view domain.TransactionView) error {
		got, found = view.FindVehicle(v.ID)
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if !found || got.Mileage != 42 {
		t.Fatalf("vehicle not reloaded: found=%v %+v", found, got)
	}

	events, err := reopened.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventVehicleCreated {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(context.Background(), config.StorageConfig{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
