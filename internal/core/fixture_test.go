package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	finmem "garagecore/internal/adapters/finance/memory"
	invmem "garagecore/internal/adapters/inventory/memory"
	"garagecore/internal/infra/persistence/memory"
	"garagecore/pkg/domain"
)

const testVIN = "1HGCM82633A004352"

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

type fixture struct {
	svc        *Service
	store      *memory.Store
	inventory  *invmem.Inventory
	finance    *finmem.Ledger
	dispatcher *Dispatcher
}

type fixtureConfig struct {
	finance  domain.Finance
	policy   *RetryPolicy
	inline   bool
	options  []Option
	dispOpts []DispatcherOption
}

type fixtureOption func(*fixtureConfig)

func withFinance(f domain.Finance) fixtureOption {
	return func(c *fixtureConfig) { c.finance = f }
}

func withPolicy(p RetryPolicy) fixtureOption {
	return func(c *fixtureConfig) { c.policy = &p }
}

func withoutInline() fixtureOption {
	return func(c *fixtureConfig) { c.inline = false }
}

func withServiceOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.options = append(c.options, opts...) }
}

func withDispatcherOptions(opts ...DispatcherOption) fixtureOption {
	return func(c *fixtureConfig) { c.dispOpts = append(c.dispOpts, opts...) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{inline: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithClock(steppingClock()))
	inventory := invmem.New(map[string]int64{"oil": 20, "alternator": 3, "filter": 10, "pads": 4})
	finance := finmem.New()
	var fin domain.Finance = finance
	if cfg.finance != nil {
		fin = cfg.finance
	}
	ledger := NewMemoryLedger()
	dispOpts := []DispatcherOption{WithDispatcherClock(time.Now, nil)}
	if cfg.policy != nil {
		dispOpts = append(dispOpts, WithRetryPolicy(*cfg.policy))
	}
	dispOpts = append(dispOpts, cfg.dispOpts...)
	dispatcher := NewDispatcher(store, []Handler{
		NewInventoryAllocationHandler(inventory, ledger, nil),
		NewServiceConsumptionHandler(inventory, fin, ledger, nil),
	}, dispOpts...)
	svcOpts := []Option{
		WithInventory(inventory),
		WithDispatcher(dispatcher, cfg.inline),
		WithDefaultStorageLocation("main"),
	}
	svcOpts = append(svcOpts, cfg.options...)
	return &fixture{
		svc:        NewService(store, svcOpts...),
		store:      store,
		inventory:  inventory,
		finance:    finance,
		dispatcher: dispatcher,
	}
}

func (f *fixture) vehicle(t *testing.T, vin string, mileage int64) domain.Vehicle {
	t.Helper()
	v, _, err := f.svc.RegisterVehicle(context.Background(), RegisterVehicleCommand{VIN: vin, Name: "test", Mileage: mileage})
	if err != nil {
		t.Fatalf("register vehicle %s: %v", vin, err)
	}
	return v
}

func (f *fixture) component(t *testing.T, item string) domain.Component {
	t.Helper()
	c, _, err := f.svc.CatalogComponent(context.Background(), CatalogComponentCommand{PartNumber: "PN-" + item, InventoryItemID: item, LocationID: "main"})
	if err != nil {
		t.Fatalf("catalog component %s: %v", item, err)
	}
	return c
}

func (f *fixture) install(t *testing.T, vehicleID, componentID string) domain.Component {
	t.Helper()
	c, _, err := f.svc.InstallComponent(context.Background(), InstallComponentCommand{VehicleID: vehicleID, ComponentID: componentID, Installer: "u1"})
	if err != nil {
		t.Fatalf("install %s on %s: %v", componentID, vehicleID, err)
	}
	return c
}

func (f *fixture) view(t *testing.T) domain.TransactionView {
	t.Helper()
	var out domain.TransactionView
	if err := f.store.View(context.Background(), func(v domain.TransactionView) error {
		out = v
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return out
}

func (f *fixture) events(t *testing.T, types ...domain.EventType) []domain.Event {
	t.Helper()
	all, err := f.store.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(types) == 0 {
		return all
	}
	want := toSet(types...)
	var out []domain.Event
	for _, e := range all {
		if _, ok := want[e.Type]; ok {
			out = append(out, e)
		}
	}
	return out
}

func requireCode(t *testing.T, err error, code string) domain.RuleViolationError {
	t.Helper()
	if !errors.Is(err, domain.ErrBusinessRule) {
		t.Fatalf("expected rule violation %s, got %v", code, err)
	}
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected RuleViolationError, got %T", err)
	}
	if rv.Code() != code {
		t.Fatalf("expected code %s, got %s (%v)", code, rv.Code(), err)
	}
	return rv
}

// flakyFinance fails the first failures calls, then delegates.
type flakyFinance struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     domain.Finance
}

func (f *flakyFinance) RecordCost(ctx context.Context, vehicleID string, amountCents int64, referenceID, key string) (domain.Receipt, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return domain.Receipt{}, errors.New("finance unavailable")
	}
	return f.next.RecordCost(ctx, vehicleID, amountCents, referenceID, key)
}

func expectNoError(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func expectErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
