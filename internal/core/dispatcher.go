package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"garagecore/pkg/domain"
)

// Handler consumes committed events. Handle must be idempotent on the event's
// idempotency key because delivery is at-least-once.
type Handler interface {
	Name() string
	Handles(domain.EventType) bool
	Handle(ctx context.Context, event domain.Event) error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as not worth retrying; the delivery is
// dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// DeadLetter describes a delivery that exhausted its retry budget.
type DeadLetter struct {
	EventID        string           `json:"event_id"`
	EventType      domain.EventType `json:"event_type"`
	AggregateID    string           `json:"aggregate_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Handler        string           `json:"handler"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"last_error"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	At             time.Time        `json:"at"`
}

// DeadLetterSink receives operator-visible dead letters.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter DeadLetter) error
}

// DispatchReport summarises a dispatch pass.
type DispatchReport struct {
	Processed    int
	Delivered    int
	Failed       int
	DeadLettered int
	// Deferred lists "<handler>@<event id>" for deliveries waiting on a retry.
	Deferred []string
}

func (r *DispatchReport) merge(o DispatchReport) {
	r.Processed += o.Processed
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.DeadLettered += o.DeadLettered
	r.Deferred = append(r.Deferred, o.Deferred...)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryPolicy overrides the retry schedule.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = policy }
}

// WithDeadLetterSinks adds sinks notified when a delivery is dead-lettered.
func WithDeadLetterSinks(sinks ...DeadLetterSink) DispatcherOption {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// WithDispatchRecorder sets the metrics recorder.
func WithDispatchRecorder(rec DispatchRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if rec != nil {
			d.metrics = rec
		}
	}
}

// WithDispatcherClock overrides the time source and jitter source.
func WithDispatcherClock(now func() time.Time, random func() float64) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
		d.random = random
	}
}

// WithPollInterval sets how often the background worker drains the outbox.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithBatchSize caps the number of events examined per pass.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batch = n }
}

// Dispatcher drains the outbox and invokes handlers. Events of one aggregate
// are delivered in commit order: an aggregate whose earliest unfinished event
// is still waiting on a retry holds back its later events.
type Dispatcher struct {
	outbox   domain.EventOutbox
	handlers []Handler
	policy   RetryPolicy
	sinks    []DeadLetterSink
	logger   *zap.Logger
	metrics  DispatchRecorder
	now      func() time.Time
	random   func() float64
	interval time.Duration
	batch    int

	passMu sync.Mutex

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher constructs a dispatcher over the outbox.
func NewDispatcher(outbox domain.EventOutbox, handlers []Handler, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		outbox:   outbox,
		handlers: handlers,
		policy:   DefaultRetryPolicy(),
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
		now:      func() time.Time { return time.Now().UTC() },
		random:   defaultRandom,
		interval: time.Second,
		batch:    256,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handlers returns the registered handler names.
func (d *Dispatcher) Handlers() []string {
	names := make([]string, 0, len(d.handlers))
	for _, h := range d.handlers {
		names = append(names, h.Name())
	}
	return names
}

// Start begins polling the outbox in the background.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop signals the worker to halt and waits for completion.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify nudges the worker to run a pass without waiting for the next tick.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		if _, err := d.DispatchPending(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("dispatch pass failed", zap.Error(err))
		}
	}
}

// DispatchPending runs one pass over every aggregate with outstanding work.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchReport, error) {
	return d.pass(ctx, nil)
}

// DispatchAggregates runs one pass restricted to the given aggregates. Services
// call it right after commit for inline delivery.
func (d *Dispatcher) DispatchAggregates(ctx context.Context, aggregateIDs ...string) (DispatchReport, error) {
	if len(aggregateIDs) == 0 {
		return DispatchReport{}, nil
	}
	return d.pass(ctx, toSet(aggregateIDs...))
}

func (d *Dispatcher) pass(ctx context.Context, only map[string]struct{}) (DispatchReport, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	var report DispatchReport
	events, err := d.outbox.PendingEvents(ctx, d.batch)
	if err != nil {
		return report, fmt.Errorf("load pending events: %w", err)
	}
	held := make(map[string]struct{})
	remaining := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, blocked := held[event.AggregateID]; blocked {
			remaining++
			continue
		}
		if only != nil {
			if _, ok := only[event.AggregateID]; !ok {
				remaining++
				continue
			}
		}
		updated, sub, err := d.process(ctx, event)
		report.merge(sub)
		if err != nil {
			return report, err
		}
		if !updated.Status.Terminal() {
			held[event.AggregateID] = struct{}{}
			remaining++
		}
	}
	d.metrics.SetPending(remaining)
	return report, nil
}

func (d *Dispatcher) process(ctx context.Context, event domain.Event) (domain.Event, DispatchReport, error) {
	report := DispatchReport{Processed: 1}
	now := d.now()
	if event.Deliveries == nil {
		event.Deliveries = make(map[string]domain.Delivery)
		for _, h := range d.handlers {
			if h.Handles(event.Type) {
				event.Deliveries[h.Name()] = domain.Delivery{Handler: h.Name(), State: domain.DeliveryPending, NextAttemptAt: now, UpdatedAt: now}
			}
		}
	}
	if event.Status == domain.EventPending {
		event.Status = domain.EventDispatched
	}

	for _, h := range d.handlers {
		delivery, ok := event.Deliveries[h.Name()]
		if !ok || delivery.State != domain.DeliveryPending || delivery.NextAttemptAt.After(now) {
			continue
		}
		started := time.Now()
		err := d.invoke(ctx, h, event)
		d.metrics.ObserveDelivery(h.Name(), err == nil, time.Since(started))
		delivery.Attempts++
		delivery.UpdatedAt = now
		if err == nil {
			delivery.State = domain.DeliverySucceeded
			delivery.LastError = ""
			report.Delivered++
			event.Deliveries[h.Name()] = delivery
			continue
		}
		report.Failed++
		delivery.LastError = err.Error()
		if isPermanent(err) || delivery.Attempts >= d.policy.MaxAttempts {
			delivery.State = domain.DeliveryDeadLettered
			report.DeadLettered++
			event.Deliveries[h.Name()] = delivery
			d.deadLetter(ctx, event, delivery)
			continue
		}
		delivery.NextAttemptAt = now.Add(d.policy.Delay(delivery.Attempts, d.random))
		event.Deliveries[h.Name()] = delivery
		report.Deferred = append(report.Deferred, h.Name()+"@"+event.ID)
		d.logger.Info("handler failed, retry scheduled",
			zap.String("handler", h.Name()),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("idempotency_key", event.IdempotencyKey),
			zap.Int("attempt", delivery.Attempts),
			zap.Time("next_attempt_at", delivery.NextAttemptAt),
			zap.Error(err))
	}

	event.Status = settle(event)
	if err := d.outbox.UpdateEvent(ctx, event); err != nil {
		return event, report, fmt.Errorf("update event %s: %w", event.ID, err)
	}
	return event, report, nil
}

// invoke isolates a handler so a panic counts as a failed attempt.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, event)
}

func settle(event domain.Event) domain.EventStatus {
	dead := false
	for _, delivery := range event.Deliveries {
		switch delivery.State {
		case domain.DeliveryPending:
			return domain.EventDispatched
		case domain.DeliveryDeadLettered:
			dead = true
		}
	}
	if dead {
		return domain.EventPartiallyFailed
	}
	return domain.EventAllHandlersSucceeded
}

func letterFor(event domain.Event, delivery domain.Delivery, at time.Time) DeadLetter {
	return DeadLetter{
		EventID:        event.ID,
		EventType:      event.Type,
		AggregateID:    event.AggregateID,
		IdempotencyKey: event.IdempotencyKey,
		Handler:        delivery.Handler,
		Attempts:       delivery.Attempts,
		LastError:      delivery.LastError,
		Payload:        event.Payload.Raw(),
		At:             at,
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, event domain.Event, delivery domain.Delivery) {
	d.metrics.ObserveDeadLetter(delivery.Handler)
	letter := letterFor(event, delivery, delivery.UpdatedAt)
	for _, sink := range d.sinks {
		if err := sink.DeadLetter(ctx, letter); err != nil {
			d.logger.Error("dead letter sink failed",
				zap.String("handler", delivery.Handler),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

// DeadLetters lists every dead-lettered delivery recorded in the outbox.
func (d *Dispatcher) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	events, err := d.outbox.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	var out []DeadLetter
	for _, event := range events {
		for _, h := range d.handlers {
			delivery, ok := event.Deliveries[h.Name()]
			if ok && delivery.State == domain.DeliveryDeadLettered {
				out = append(out, letterFor(event, delivery, delivery.UpdatedAt))
			}
		}
	}
	return out, nil
}

// Redrive resets a dead-lettered delivery so the next pass retries it with a
// fresh attempt budget.
func (d *Dispatcher) Redrive(ctx context.Context, eventID, handler string) error {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	event, ok, err := d.outbox.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundError{Entity: "event", ID: eventID}
	}
	delivery, ok := event.Deliveries[handler]
	if !ok || delivery.State != domain.DeliveryDeadLettered {
		return domain.ValidationError{Field: "handler", Reason: fmt.Sprintf("%s has no dead-lettered delivery for event %s", handler, eventID)}
	}
	now := d.now()
	delivery.State = domain.DeliveryPending
	delivery.Attempts = 0
	delivery.NextAttemptAt = now
	delivery.UpdatedAt = now
	event.Deliveries[handler] = delivery
	event.Status = domain.EventDispatched
	if err := d.outbox.UpdateEvent(ctx, event); err != nil {
		return err
	}
	d.logger.Info("dead letter redriven", zap.String("handler", handler), zap.String("event_id", eventID))
	d.Notify()
	return nil
}
