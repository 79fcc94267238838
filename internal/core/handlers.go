package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"garagecore/pkg/domain"
)

// Handler names registered with the dispatcher.
const (
	HandlerInventoryAllocation = "inventory_allocation"
	HandlerServiceConsumption  = "service_consumption"
)

// applyOnce runs fn unless key is already in the ledger, then records it.
func applyOnce(ctx context.Context, ledger AppliedLedger, key string, fn func() error) (bool, error) {
	done, err := ledger.Applied(ctx, key)
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	if done {
		return false, nil
	}
	if err := fn(); err != nil {
		return false, err
	}
	if err := ledger.MarkApplied(ctx, key); err != nil {
		return true, fmt.Errorf("ledger mark %s: %w", key, err)
	}
	return true, nil
}

// AllocationKey is the collaborator idempotency key of a component's
// reservation. One physical component holds at most one reservation, so
// reinstalling it after a removal reserves nothing new.
func AllocationKey(componentID string) string {
	return componentID + ":allocation"
}

// InventoryAllocationHandler reserves stock in Inventory for each installed component.
type InventoryAllocationHandler struct {
	inventory domain.Inventory
	ledger    AppliedLedger
	logger    *zap.Logger
}

// NewInventoryAllocationHandler wires the allocation side effect.
func NewInventoryAllocationHandler(inventory domain.Inventory, ledger AppliedLedger, logger *zap.Logger) *InventoryAllocationHandler {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryAllocationHandler{inventory: inventory, ledger: ledger, logger: logger}
}

func (h *InventoryAllocationHandler) Name() string { return HandlerInventoryAllocation }

func (h *InventoryAllocationHandler) Handles(t domain.EventType) bool {
	return t == domain.EventComponentInstalled
}

func (h *InventoryAllocationHandler) Handle(ctx context.Context, event domain.Event) error {
	payload, ok := domain.DecodePayload[domain.ComponentInstalledPayload](event.Payload)
	if !ok || payload.InventoryItemID == "" || payload.ComponentID == "" {
		return Permanent(fmt.Errorf("event %s: malformed %s payload", event.ID, event.Type))
	}
	key := AllocationKey(payload.ComponentID)
	applied, err := applyOnce(ctx, h.ledger, "allocate:"+key, func() error {
		_, err := h.inventory.Allocate(ctx, payload.InventoryItemID, 1, key)
		return err
	})
	if err != nil {
		return collaboratorError(err)
	}
	h.logger.Debug("inventory allocated",
		zap.String("item_id", payload.InventoryItemID),
		zap.String("component_id", payload.ComponentID),
		zap.String("key", key),
		zap.Bool("applied", applied))
	return nil
}

// ServiceConsumptionHandler deducts consumed stock and books parts and labor
// costs. A correction first reverses the record it supersedes: stock is
// restored and negative costs are booked, so Finance agrees with the
// vehicle's total cost of ownership.
type ServiceConsumptionHandler struct {
	inventory domain.Inventory
	finance   domain.Finance
	ledger    AppliedLedger
	logger    *zap.Logger
}

// NewServiceConsumptionHandler wires the consumption side effects.
func NewServiceConsumptionHandler(inventory domain.Inventory, finance domain.Finance, ledger AppliedLedger, logger *zap.Logger) *ServiceConsumptionHandler {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceConsumptionHandler{inventory: inventory, finance: finance, ledger: ledger, logger: logger}
}

func (h *ServiceConsumptionHandler) Name() string { return HandlerServiceConsumption }

func (h *ServiceConsumptionHandler) Handles(t domain.EventType) bool {
	return t == domain.EventServiceRecorded
}

// LineKey is the collaborator idempotency key of one consumption line.
func LineKey(recordID string, index int) string {
	return recordID + ":" + strconv.Itoa(index)
}

// LaborKey is the collaborator idempotency key of a record's labor cost.
func LaborKey(recordID string) string {
	return recordID + ":labor"
}

// ReversalKey is the key of the entry that compensates the one booked under key.
func ReversalKey(key string) string {
	return key + ":reversal"
}

func (h *ServiceConsumptionHandler) Handle(ctx context.Context, event domain.Event) error {
	payload, ok := domain.DecodePayload[domain.ServiceRecordedPayload](event.Payload)
	if !ok || payload.RecordID == "" {
		return Permanent(fmt.Errorf("event %s: malformed %s payload", event.ID, event.Type))
	}
	if payload.Supersedes != "" {
		if err := h.reverse(ctx, payload); err != nil {
			return collaboratorError(err)
		}
	}
	for i, line := range payload.Parts {
		key := LineKey(payload.RecordID, i)
		if _, err := applyOnce(ctx, h.ledger, "deduct:"+key, func() error {
			_, err := h.inventory.Deduct(ctx, line.ItemID, line.Quantity, key)
			return err
		}); err != nil {
			return collaboratorError(err)
		}
		if _, err := applyOnce(ctx, h.ledger, "cost:"+key, func() error {
			_, err := h.finance.RecordCost(ctx, payload.VehicleID, line.CostCents(), payload.RecordID, key)
			return err
		}); err != nil {
			return collaboratorError(err)
		}
	}
	if payload.LaborCents > 0 {
		key := LaborKey(payload.RecordID)
		if _, err := applyOnce(ctx, h.ledger, "cost:"+key, func() error {
			_, err := h.finance.RecordCost(ctx, payload.VehicleID, payload.LaborCents, payload.RecordID, key)
			return err
		}); err != nil {
			return collaboratorError(err)
		}
	}
	h.logger.Debug("service consumption applied",
		zap.String("record_id", payload.RecordID),
		zap.String("supersedes", payload.Supersedes),
		zap.Int("lines", len(payload.Parts)))
	return nil
}

// reverse compensates every line and the labor of the superseded record.
// Keys derive from the superseded record, so two corrections of the same
// record reverse it once.
func (h *ServiceConsumptionHandler) reverse(ctx context.Context, payload domain.ServiceRecordedPayload) error {
	for i, line := range payload.Reversed {
		key := ReversalKey(LineKey(payload.Supersedes, i))
		if _, err := applyOnce(ctx, h.ledger, "restore:"+key, func() error {
			_, err := h.inventory.Restore(ctx, line.ItemID, line.Quantity, key)
			return err
		}); err != nil {
			return err
		}
		if _, err := applyOnce(ctx, h.ledger, "cost:"+key, func() error {
			_, err := h.finance.RecordCost(ctx, payload.VehicleID, -line.CostCents(), payload.RecordID, key)
			return err
		}); err != nil {
			return err
		}
	}
	if payload.ReversedLaborCents > 0 {
		key := ReversalKey(LaborKey(payload.Supersedes))
		if _, err := applyOnce(ctx, h.ledger, "cost:"+key, func() error {
			_, err := h.finance.RecordCost(ctx, payload.VehicleID, -payload.ReversedLaborCents, payload.RecordID, key)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// collaboratorError classifies stock shortfalls discovered after commit as
// permanent; everything else is retried.
func collaboratorError(err error) error {
	if errors.Is(err, domain.ErrInsufficientStock) {
		return Permanent(err)
	}
	return err
}
