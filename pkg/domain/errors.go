package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is checks across the error taxonomy.
var (
	ErrValidation   = errors.New("validation failed")
	ErrBusinessRule = errors.New("business rule violation")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrency conflict")
)

// Violation codes reported by the enforcer and the commit rules.
const (
	CodeMileageCannotDecrease     = "MileageCannotDecrease"
	CodeVINImmutable              = "VINImmutable"
	CodeComponentAlreadyInstalled = "ComponentAlreadyInstalled"
	CodeInstallationNotAllowed    = "InstallationNotAllowed"
	CodeComponentNotInstalled     = "ComponentNotInstalled"
	CodeInvalidLocationTransition = "InvalidLocationTransition"
	CodeInstallEdgeInconsistent   = "InstallEdgeInconsistent"
	CodeServiceRecordImmutable    = "ServiceRecordImmutable"
	CodeDuplicateConsumption      = "DuplicateConsumption"
	CodeInsufficientStock         = "InsufficientStock"
	CodeVehicleInactive           = "VehicleInactive"
	CodeVehicleHasComponents      = "VehicleHasInstalledComponents"
	CodeUnknownStorageLocation    = "UnknownStorageLocation"
	CodeInvalidSupersede          = "InvalidSupersede"
	CodeSideEffectDeferred        = "SideEffectDeferred"
)

// ValidationError reports malformed input caught before any invariant check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned when an id is unknown, or refers to a disposed component.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is returned on an optimistic version mismatch. Callers retry with fresh state.
type ConflictError struct {
	Entity   EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s version conflict: expected %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// Is matches ErrConflict.
func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity != SeverityBlock {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Code, v.Message))
	}
	if len(msgs) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}

// Is matches ErrBusinessRule.
func (e RuleViolationError) Is(target error) bool { return target == ErrBusinessRule }

// Code returns the code of the first blocking violation.
func (e RuleViolationError) Code() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return v.Code
		}
	}
	return ""
}

// Reject wraps blocking violations into a RuleViolationError.
func Reject(violations ...Violation) error {
	return RuleViolationError{Result: Result{Violations: violations}}
}

// Block builds a blocking violation.
func Block(rule, code string, entity EntityType, id, message string) Violation {
	return Violation{Rule: rule, Code: code, Severity: SeverityBlock, Message: message, Entity: entity, EntityID: id}
}

// ViolationCode extracts the first blocking code from err, if it is a rule violation.
func ViolationCode(err error) string {
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return rv.Code()
	}
	return ""
}
