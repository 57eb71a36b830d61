package models

import (
	"errors"
	"fmt"
)

// NotFoundError reports that an incident, service or audit entry does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InvalidStateError reports a transition attempted from a non-matching state.
// Actual is the state observed when the transition was refused.
type InvalidStateError struct {
	Kind     string
	ID       string
	Expected string
	Actual   string
}

func (e *InvalidStateError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "audit entry"
	}
	return fmt.Sprintf("%s %s is %s, expected %s", kind, e.ID, e.Actual, e.Expected)
}

// PolicyViolation reports a guardrail block or a failed emergency precondition.
type PolicyViolation struct {
	Rule    string
	Message string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation [%s]: %s", e.Rule, e.Message)
}

// ExecutionError wraps a failure of the action executor.
type ExecutionError struct {
	ActionType string
	Service    string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s on %s failed: %v", e.ActionType, e.Service, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request rejected at the boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsInvalidState reports whether err wraps an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsPolicyViolation reports whether err wraps a PolicyViolation.
func IsPolicyViolation(err error) bool {
	var target *PolicyViolation
	return errors.As(err, &target)
}

// IsExecution reports whether err wraps an ExecutionError.
func IsExecution(err error) bool {
	var target *ExecutionError
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
