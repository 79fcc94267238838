package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"garagecore/pkg/domain"
)

// Service exposes the garage commands. Every command runs in one store
// transaction: the enforcer approves the intent, entities, edges and outbox
// events are written together and the rules engine checks the result.
type Service struct {
	store           domain.PersistentStore
	enforcer        Enforcer
	queries         Queries
	inventory       domain.Inventory
	validate        *validator.Validate
	logger          *zap.Logger
	metrics         MetricsRecorder
	dispatcher      *Dispatcher
	inlineDispatch  bool
	locations       map[string]struct{}
	defaultLocation string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the command metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithInventory sets the collaborator consulted for stock before RecordService.
// Without one every stock check passes.
func WithInventory(inv domain.Inventory) Option {
	return func(s *Service) { s.inventory = inv }
}

// WithDispatcher attaches a dispatcher. With inline set, events are dispatched
// right after commit and failures surface as SideEffectDeferred warnings.
func WithDispatcher(d *Dispatcher, inline bool) Option {
	return func(s *Service) {
		s.dispatcher = d
		s.inlineDispatch = inline
	}
}

// WithStorageLocations restricts storage locations to the given ids. With no
// list configured any non-empty id is accepted.
func WithStorageLocations(ids ...string) Option {
	return func(s *Service) {
		if len(ids) > 0 {
			s.locations = toSet(ids...)
		}
	}
}

// WithDefaultStorageLocation sets where removed components go when the command
// names no location.
func WithDefaultStorageLocation(id string) Option {
	return func(s *Service) { s.defaultLocation = id }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		enforcer: NewEnforcer(),
		queries:  NewQueries(store),
		validate: newValidator(),
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Queries returns the read-only traversal layer.
func (s *Service) Queries() Queries { return s.queries }

// Dispatcher returns the attached dispatcher, if any.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Service) observe(ctx context.Context, op string, started time.Time, errp *error) {
	err := *errp
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	if err == nil {
		s.logger.Debug("command applied", zap.String("command", op), zap.Duration("took", time.Since(started)))
		return
	}
	fields := []zap.Field{zap.String("command", op), zap.Error(err)}
	if code := domain.ViolationCode(err); code != "" {
		fields = append(fields, zap.String("code", code))
	}
	s.logger.Info("command rejected", fields...)
}

func (s *Service) check(cmd any) error {
	return validationError(s.validate.Struct(cmd))
}

func (s *Service) checkStorageLocation(field, id string) error {
	if id == "" {
		return domain.ValidationError{Field: field, Reason: "storage location is required"}
	}
	if s.locations == nil {
		return nil
	}
	if _, ok := s.locations[id]; !ok {
		return domain.Reject(domain.Block("storage_location", domain.CodeUnknownStorageLocation, "", id,
			fmt.Sprintf("unknown storage location %s", id)))
	}
	return nil
}

// emitter collects the aggregates touched by a transaction for inline dispatch.
type emitter struct {
	tx         domain.Transaction
	aggregates []string
}

func (e *emitter) emit(t domain.EventType, aggregateType domain.EntityType, aggregateID string, payload any) error {
	if _, err := e.tx.Emit(domain.EventDraft{Type: t, AggregateType: aggregateType, AggregateID: aggregateID, Payload: payload}); err != nil {
		return err
	}
	for _, id := range e.aggregates {
		if id == aggregateID {
			return nil
		}
	}
	e.aggregates = append(e.aggregates, aggregateID)
	return nil
}

func (s *Service) run(ctx context.Context, fn func(tx domain.Transaction, em *emitter) error) (domain.Result, error) {
	var touched []string
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		em := &emitter{tx: tx}
		if err := fn(tx, em); err != nil {
			return err
		}
		touched = em.aggregates
		return nil
	})
	if err != nil {
		return res, err
	}
	return s.afterCommit(ctx, res, touched), nil
}

// afterCommit dispatches the new events inline when configured. Failures never
// undo the commit; they are reported as warnings and left to the worker.
func (s *Service) afterCommit(ctx context.Context, res domain.Result, aggregates []string) domain.Result {
	if s.dispatcher == nil || !s.inlineDispatch || len(aggregates) == 0 {
		return res
	}
	report, err := s.dispatcher.DispatchAggregates(ctx, aggregates...)
	var message string
	switch {
	case err != nil:
		message = fmt.Sprintf("inline dispatch failed: %v", err)
	case len(report.Deferred) > 0:
		message = fmt.Sprintf("side effects deferred for retry: %v", report.Deferred)
	case report.DeadLettered > 0:
		message = fmt.Sprintf("%d side effect(s) dead-lettered", report.DeadLettered)
	default:
		return res
	}
	s.logger.Warn("side effect deferred", zap.Strings("aggregates", aggregates), zap.String("detail", message))
	res.Violations = append(res.Violations, domain.Violation{
		Rule:     "dispatch",
		Code:     domain.CodeSideEffectDeferred,
		Severity: domain.SeverityWarn,
		Message:  message,
	})
	return res
}

// RegisterVehicle creates an active vehicle. VINs are unique.
func (s *Service) RegisterVehicle(ctx context.Context, cmd RegisterVehicleCommand) (vehicle domain.Vehicle, res domain.Result, err error) {
	defer s.observe(ctx, "register_vehicle", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return vehicle, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		for _, existing := range tx.Snapshot().ListVehicles() {
			if existing.VIN == cmd.VIN {
				return domain.ValidationError{Field: "vin", Reason: fmt.Sprintf("already registered to vehicle %s", existing.ID)}
			}
		}
		created, err := tx.CreateVehicle(domain.Vehicle{
			Base:    domain.Base{ID: cmd.ID},
			VIN:     cmd.VIN,
			Name:    cmd.Name,
			Mileage: cmd.Mileage,
			Active:  true,
		})
		if err != nil {
			return err
		}
		vehicle = created
		return em.emit(domain.EventVehicleCreated, domain.EntityVehicle, created.ID, domain.VehicleCreatedPayload{
			VehicleID: created.ID, VIN: created.VIN, Mileage: created.Mileage,
		})
	})
	return vehicle, res, err
}

// UpdateMileage raises the odometer. Equal mileage is accepted without a write.
func (s *Service) UpdateMileage(ctx context.Context, cmd UpdateMileageCommand) (vehicle domain.Vehicle, res domain.Result, err error) {
	defer s.observe(ctx, "update_mileage", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return vehicle, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		var err error
		vehicle, err = s.raiseMileage(tx, em, cmd.VehicleID, cmd.Mileage, cmd.ExpectedVersion)
		return err
	})
	return vehicle, res, err
}

func (s *Service) raiseMileage(tx domain.Transaction, em *emitter, vehicleID string, mileage, expectedVersion int64) (domain.Vehicle, error) {
	view := tx.Snapshot()
	if err := s.enforcer.Validate(UpdateMileageIntent{VehicleID: vehicleID, NewMileage: mileage}, view); err != nil {
		return domain.Vehicle{}, err
	}
	current, _ := view.FindVehicle(vehicleID)
	if expectedVersion != domain.AnyVersion && current.Version != expectedVersion {
		return domain.Vehicle{}, domain.ConflictError{Entity: domain.EntityVehicle, ID: vehicleID, Expected: expectedVersion, Actual: current.Version}
	}
	if current.Mileage == mileage {
		return current, nil
	}
	updated, err := tx.UpdateVehicle(vehicleID, expectedVersion, func(v *domain.Vehicle) error {
		v.Mileage = mileage
		return nil
	})
	if err != nil {
		return domain.Vehicle{}, err
	}
	return updated, em.emit(domain.EventMileageUpdated, domain.EntityVehicle, vehicleID, domain.MileageUpdatedPayload{
		VehicleID: vehicleID, Previous: current.Mileage, Current: mileage,
	})
}

// DeactivateVehicle marks a vehicle inactive. Deactivating an inactive vehicle
// is a no-op.
func (s *Service) DeactivateVehicle(ctx context.Context, cmd DeactivateVehicleCommand) (vehicle domain.Vehicle, res domain.Result, err error) {
	defer s.observe(ctx, "deactivate_vehicle", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return vehicle, res, err
	}
	if cmd.ReturnLocationID != "" {
		if err = s.checkStorageLocation("return_location_id", cmd.ReturnLocationID); err != nil {
			return vehicle, res, err
		}
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		view := tx.Snapshot()
		current, ok := view.FindVehicle(cmd.VehicleID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityVehicle, ID: cmd.VehicleID}
		}
		if !current.Active {
			vehicle = current
			return nil
		}
		installed, err := currentComponents(view, current.ID)
		if err != nil {
			return err
		}
		if len(installed) > 0 && cmd.ReturnLocationID == "" {
			return domain.Reject(domain.Block("deactivate_vehicle", domain.CodeVehicleHasComponents, domain.EntityVehicle, current.ID,
				fmt.Sprintf("vehicle %s has %d installed component(s)", current.ID, len(installed))))
		}
		for _, ic := range installed {
			if _, err := s.detach(tx, em, ic.Component.ID, domain.AnyVersion, cmd.ReturnLocationID); err != nil {
				return err
			}
		}
		vehicle, err = tx.UpdateVehicle(current.ID, cmd.ExpectedVersion, func(v *domain.Vehicle) error {
			v.Active = false
			return nil
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventVehicleDeactivated, domain.EntityVehicle, vehicle.ID, domain.VehicleActivationPayload{VehicleID: vehicle.ID, Active: false})
	})
	return vehicle, res, err
}

// ActivateVehicle returns a vehicle to service. Activating an active vehicle is
// a no-op.
func (s *Service) ActivateVehicle(ctx context.Context, cmd ActivateVehicleCommand) (vehicle domain.Vehicle, res domain.Result, err error) {
	defer s.observe(ctx, "activate_vehicle", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return vehicle, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		current, ok := tx.Snapshot().FindVehicle(cmd.VehicleID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityVehicle, ID: cmd.VehicleID}
		}
		if current.Active {
			vehicle = current
			return nil
		}
		var err error
		vehicle, err = tx.UpdateVehicle(current.ID, cmd.ExpectedVersion, func(v *domain.Vehicle) error {
			v.Active = true
			return nil
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventVehicleActivated, domain.EntityVehicle, vehicle.ID, domain.VehicleActivationPayload{VehicleID: vehicle.ID, Active: true})
	})
	return vehicle, res, err
}

// CatalogComponent creates a component in a storage location.
func (s *Service) CatalogComponent(ctx context.Context, cmd CatalogComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "catalog_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	if err = s.checkStorageLocation("location_id", cmd.LocationID); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		var err error
		component, err = tx.CreateComponent(domain.Component{
			Base:            domain.Base{ID: cmd.ID},
			PartNumber:      cmd.PartNumber,
			InventoryItemID: cmd.InventoryItemID,
			Description:     cmd.Description,
			Location:        domain.InStorage{LocationID: cmd.LocationID},
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventComponentCataloged, domain.EntityComponent, component.ID, domain.ComponentCatalogedPayload{
			ComponentID:     component.ID,
			PartNumber:      component.PartNumber,
			InventoryItemID: component.InventoryItemID,
			LocationID:      cmd.LocationID,
		})
	})
	return component, res, err
}

// InstallComponent puts a stored component on an active vehicle and links them
// with an INSTALLED_ON edge.
func (s *Service) InstallComponent(ctx context.Context, cmd InstallComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "install_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		view := tx.Snapshot()
		intent := InstallComponentIntent{VehicleID: cmd.VehicleID, ComponentID: cmd.ComponentID, Installer: cmd.Installer}
		if err := s.enforcer.Validate(intent, view); err != nil {
			return err
		}
		vehicle, _ := view.FindVehicle(cmd.VehicleID)
		now := tx.Now()
		var err error
		component, err = tx.UpdateComponent(cmd.ComponentID, cmd.ExpectedVersion, func(c *domain.Component) error {
			c.Location = domain.InstalledOn{VehicleID: vehicle.ID, InstalledAt: now}
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(domain.Edge{
			Type: domain.EdgeInstalledOn,
			From: vehicle.ID,
			To:   component.ID,
			Payload: domain.InstallPayload{
				Installer:   cmd.Installer,
				Mileage:     vehicle.Mileage,
				InstalledAt: now,
			},
		}); err != nil {
			return err
		}
		return em.emit(domain.EventComponentInstalled, domain.EntityComponent, component.ID, domain.ComponentInstalledPayload{
			VehicleID:       vehicle.ID,
			ComponentID:     component.ID,
			InventoryItemID: component.InventoryItemID,
			Installer:       cmd.Installer,
			Mileage:         vehicle.Mileage,
			InstalledAt:     now,
		})
	})
	return component, res, err
}

// RemoveComponent ends the component's INSTALLED_ON edge and puts it in storage.
func (s *Service) RemoveComponent(ctx context.Context, cmd RemoveComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "remove_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	location := cmd.LocationID
	if location == "" {
		location = s.defaultLocation
	}
	if err = s.checkStorageLocation("location_id", location); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		var err error
		component, err = s.detach(tx, em, cmd.ComponentID, cmd.ExpectedVersion, location)
		return err
	})
	return component, res, err
}

func (s *Service) detach(tx domain.Transaction, em *emitter, componentID string, expectedVersion int64, locationID string) (domain.Component, error) {
	view := tx.Snapshot()
	if err := s.enforcer.Validate(RemoveComponentIntent{ComponentID: componentID}, view); err != nil {
		return domain.Component{}, err
	}
	current, _ := view.FindComponent(componentID)
	vehicleID, _ := domain.InstalledVehicle(current.Location)
	edge := openInstallEdge(view, vehicleID, componentID)
	if _, err := tx.EndEdge(edge.ID); err != nil {
		return domain.Component{}, err
	}
	updated, err := tx.UpdateComponent(componentID, expectedVersion, func(c *domain.Component) error {
		c.Location = domain.InStorage{LocationID: locationID}
		return nil
	})
	if err != nil {
		return domain.Component{}, err
	}
	return updated, em.emit(domain.EventComponentRemoved, domain.EntityComponent, componentID, domain.ComponentRemovedPayload{
		VehicleID:   vehicleID,
		ComponentID: componentID,
		LocationID:  locationID,
		RemovedAt:   tx.Now(),
	})
}

// TransferComponent moves a stored component into transit toward another location.
func (s *Service) TransferComponent(ctx context.Context, cmd TransferComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "transfer_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	if err = s.checkStorageLocation("to_location_id", cmd.ToLocationID); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		current, err := liveComponent(tx.Snapshot(), cmd.ComponentID)
		if err != nil {
			return err
		}
		stored, ok := current.Location.(domain.InStorage)
		if ok && stored.LocationID == cmd.ToLocationID {
			return domain.ValidationError{Field: "to_location_id", Reason: fmt.Sprintf("component is already at %s", cmd.ToLocationID)}
		}
		next := domain.InTransit{From: stored.LocationID, To: cmd.ToLocationID}
		if err := checkLocationTransition(current.ID, current.Location, next); err != nil {
			return err
		}
		component, err = tx.UpdateComponent(current.ID, cmd.ExpectedVersion, func(c *domain.Component) error {
			c.Location = next
			return nil
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventComponentTransferStarted, domain.EntityComponent, component.ID, domain.ComponentTransferPayload{
			ComponentID: component.ID, From: next.From, To: next.To,
		})
	})
	return component, res, err
}

// ReceiveComponent lands an in-transit component at its destination.
func (s *Service) ReceiveComponent(ctx context.Context, cmd ReceiveComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "receive_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		current, err := liveComponent(tx.Snapshot(), cmd.ComponentID)
		if err != nil {
			return err
		}
		transit, ok := current.Location.(domain.InTransit)
		if !ok {
			return domain.Reject(domain.Block("receive_component", domain.CodeInvalidLocationTransition, domain.EntityComponent, current.ID,
				fmt.Sprintf("component %s is not in transit, is %s", current.ID, domain.DescribeLocation(current.Location))))
		}
		target := cmd.LocationID
		if target == "" {
			target = transit.To
		}
		next := domain.InStorage{LocationID: target}
		if err := checkLocationTransition(current.ID, current.Location, next); err != nil {
			return err
		}
		component, err = tx.UpdateComponent(current.ID, cmd.ExpectedVersion, func(c *domain.Component) error {
			c.Location = next
			return nil
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventComponentReceived, domain.EntityComponent, component.ID, domain.ComponentTransferPayload{
			ComponentID: component.ID, From: transit.From, To: transit.To,
		})
	})
	return component, res, err
}

// DisposeComponent retires a component. An installed component has its
// INSTALLED_ON edge ended in the same transaction.
func (s *Service) DisposeComponent(ctx context.Context, cmd DisposeComponentCommand) (component domain.Component, res domain.Result, err error) {
	defer s.observe(ctx, "dispose_component", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return component, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		view := tx.Snapshot()
		current, err := liveComponent(view, cmd.ComponentID)
		if err != nil {
			return err
		}
		vehicleID, installed := domain.InstalledVehicle(current.Location)
		if installed {
			if edge := openInstallEdge(view, vehicleID, current.ID); edge != nil {
				if _, err := tx.EndEdge(edge.ID); err != nil {
					return err
				}
			}
		}
		now := tx.Now()
		component, err = tx.UpdateComponent(current.ID, cmd.ExpectedVersion, func(c *domain.Component) error {
			c.Location = domain.Disposed{At: now}
			return nil
		})
		if err != nil {
			return err
		}
		return em.emit(domain.EventComponentDisposed, domain.EntityComponent, component.ID, domain.ComponentDisposedPayload{
			ComponentID: component.ID, VehicleID: vehicleID, DisposedAt: now,
		})
	})
	return component, res, err
}

var errReplayed = errors.New("service record replayed")

// RecordService appends a service record with its PERFORMED_ON, PERFORMED and
// CONSUMED edges. A repeated idempotency key for the same vehicle returns the
// original record without writing anything.
func (s *Service) RecordService(ctx context.Context, cmd RecordServiceCommand) (record domain.ServiceRecord, res domain.Result, err error) {
	defer s.observe(ctx, "record_service", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return record, res, err
	}
	if cmd.IdempotencyKey != "" {
		var found bool
		if err = s.store.View(ctx, func(view domain.TransactionView) error {
			record, found = view.FindServiceRecordByKey(cmd.VehicleID, cmd.IdempotencyKey)
			return nil
		}); err != nil {
			return record, res, err
		}
		if found {
			s.logger.Debug("service record replayed", zap.String("record_id", record.ID), zap.String("idempotency_key", cmd.IdempotencyKey))
			return record, res, nil
		}
	}
	stock, err := s.checkStock(ctx, cmd.Parts)
	if err != nil {
		return record, res, err
	}
	draft := domain.ServiceRecord{
		ID:               uuid.NewString(),
		VehicleID:        cmd.VehicleID,
		Performer:        cmd.Performer,
		ServiceType:      cmd.ServiceType,
		MileageAtService: cmd.MileageAtService,
		Labor:            cmd.Labor,
		Parts:            append([]domain.ConsumptionLine(nil), cmd.Parts...),
		Notes:            cmd.Notes,
		IdempotencyKey:   cmd.IdempotencyKey,
		Supersedes:       cmd.Supersedes,
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		view := tx.Snapshot()
		if cmd.IdempotencyKey != "" {
			if existing, ok := view.FindServiceRecordByKey(cmd.VehicleID, cmd.IdempotencyKey); ok {
				record = existing
				return errReplayed
			}
		}
		if err := s.enforcer.Validate(RecordServiceIntent{Record: draft, Stock: stock}, view); err != nil {
			return err
		}
		var err error
		record, err = tx.CreateServiceRecord(draft)
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(domain.Edge{
			Type:    domain.EdgePerformedOn,
			From:    record.ID,
			To:      record.VehicleID,
			Payload: domain.ServiceSnapshotPayload{Mileage: record.MileageAtService},
		}); err != nil {
			return err
		}
		if _, err := tx.CreateEdge(domain.Edge{
			Type:    domain.EdgePerformed,
			From:    record.Performer,
			To:      record.ID,
			Payload: domain.AuthorizationPayload{AuthorizationCode: cmd.AuthorizationCode},
		}); err != nil {
			return err
		}
		for i, line := range record.Parts {
			if _, err := tx.CreateEdge(domain.Edge{
				Type:    domain.EdgeConsumed,
				From:    record.ID,
				To:      line.ItemID,
				Payload: domain.ConsumptionPayload{LineIndex: i, Quantity: line.Quantity, UnitCostCents: line.UnitCostCents},
			}); err != nil {
				return err
			}
		}
		payload := domain.ServiceRecordedPayload{
			RecordID:    record.ID,
			VehicleID:   record.VehicleID,
			ServiceType: record.ServiceType,
			Parts:       record.Parts,
			LaborCents:  record.Labor.CostCents(),
			Supersedes:  record.Supersedes,
		}
		if record.Supersedes != "" {
			if prior, ok := view.FindServiceRecord(record.Supersedes); ok {
				payload.Reversed = prior.Parts
				payload.ReversedLaborCents = prior.Labor.CostCents()
			}
		}
		// vehicle aggregate: a correction is delivered after the record it supersedes
		return em.emit(domain.EventServiceRecorded, domain.EntityVehicle, record.VehicleID, payload)
	})
	if errors.Is(err, errReplayed) {
		return record, domain.Result{}, nil
	}
	return record, res, err
}

// checkStock asks Inventory about every consumed item before the transaction.
func (s *Service) checkStock(ctx context.Context, parts []domain.ConsumptionLine) (StockReport, error) {
	stock := make(StockReport, len(parts))
	for _, line := range parts {
		if s.inventory == nil {
			stock[line.ItemID] = true
			continue
		}
		ok, err := s.inventory.CheckStock(ctx, line.ItemID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("check stock for %s: %w", line.ItemID, err)
		}
		stock[line.ItemID] = ok
	}
	return stock, nil
}

// RecordTelemetry stores a reading linked to its vehicle. An odometer above
// the current mileage raises the mileage in the same transaction.
func (s *Service) RecordTelemetry(ctx context.Context, cmd RecordTelemetryCommand) (log domain.TelemetryLog, res domain.Result, err error) {
	defer s.observe(ctx, "record_telemetry", time.Now(), &err)
	if err = s.check(cmd); err != nil {
		return log, res, err
	}
	res, err = s.run(ctx, func(tx domain.Transaction, em *emitter) error {
		vehicle, ok := tx.Snapshot().FindVehicle(cmd.VehicleID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityVehicle, ID: cmd.VehicleID}
		}
		var err error
		log, err = tx.CreateTelemetryLog(domain.TelemetryLog{
			VehicleID:  vehicle.ID,
			Odometer:   cmd.Odometer,
			Readings:   cmd.Readings,
			RecordedAt: cmd.RecordedAt,
		})
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(domain.Edge{
			Type:    domain.EdgeGenerated,
			From:    vehicle.ID,
			To:      log.ID,
			Payload: domain.TelemetryPayload{Odometer: cmd.Odometer},
		}); err != nil {
			return err
		}
		if err := em.emit(domain.EventTelemetryRecorded, domain.EntityVehicle, vehicle.ID, domain.TelemetryRecordedPayload{
			LogID: log.ID, VehicleID: vehicle.ID, Odometer: cmd.Odometer,
		}); err != nil {
			return err
		}
		if cmd.Odometer > vehicle.Mileage {
			_, err = s.raiseMileage(tx, em, vehicle.ID, cmd.Odometer, domain.AnyVersion)
		}
		return err
	})
	return log, res, err
}
