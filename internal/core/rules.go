package core

import "garagecore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in graph policy set.
// These rules run on every transaction's change set before commit and back up
// the intent checks made by the Enforcer.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(MileageMonotonicRule())
	engine.Register(VINImmutableRule())
	engine.Register(LocationTransitionRule())
	engine.Register(InstallEdgeConsistencyRule())
	engine.Register(ServiceRecordImmutableRule())
	engine.Register(ConsumptionUniqueRule())
	return engine
}
