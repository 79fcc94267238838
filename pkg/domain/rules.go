package domain

import "context"

// RuleView provides read-only access to the garage graph for rule evaluation.
type RuleView interface {
	ListVehicles() []Vehicle
	ListComponents() []Component
	ListServiceRecords() []ServiceRecord
	ListTelemetryLogs() []TelemetryLog
	FindVehicle(id string) (Vehicle, bool)
	FindComponent(id string) (Component, bool)
	FindServiceRecord(id string) (ServiceRecord, bool)
	FindServiceRecordByKey(vehicleID, key string) (ServiceRecord, bool)
	FindTelemetryLog(id string) (TelemetryLog, bool)
	FindEdge(id string) (Edge, bool)
	// EdgesFrom returns edges of type t leaving node, oldest first.
	EdgesFrom(node string, t EdgeType) []Edge
	// EdgesTo returns edges of type t arriving at node, oldest first.
	EdgesTo(node string, t EdgeType) []Edge
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
