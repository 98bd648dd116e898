// Package fault defines the error taxonomy shared by the agents, the command
// router and the cooldown machine. None of these errors is fatal: each one
// degrades or rejects a single command and is surfaced as a status update.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// SchemaError means a value failed type or range validation. The command is
// dropped and nothing is applied.
type SchemaError struct {
	Key    string
	Value  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("schema error for %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("schema error for %s=%q: %s", e.Key, e.Value, e.Reason)
}

// PreconditionError means a state-machine guard rejected the request, e.g. a
// magnet ramp while the heat switch is not closed.
type PreconditionError struct {
	Op     string
	State  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s in state %s: %s", e.Op, e.State, e.Reason)
}

// StaleStatusError is a consumer-side error: the status value is older than
// its staleness threshold and must be treated as unknown.
type StaleStatusError struct {
	Key       string
	Age       time.Duration
	Threshold time.Duration
}

func (e *StaleStatusError) Error() string {
	return fmt.Sprintf("status %s is stale (age %s exceeds %s)", e.Key, e.Age.Round(time.Millisecond), e.Threshold)
}

// DeviceIOError wraps a serial timeout or malformed response.
type DeviceIOError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceIOError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceIOError) Unwrap() error {
	return e.Err
}

// TransitionConflictError means the command arrived while the heat switch was
// moving. The command has been queued and will be replayed, not failed.
type TransitionConflictError struct {
	Op       string
	Position int // Number of commands ahead of this one in the queue
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("%s queued behind heat switch transition (position %d)", e.Op, e.Position)
}

// IsSchema reports whether err is or wraps a SchemaError.
func IsSchema(err error) bool {
	var target *SchemaError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err is or wraps a PreconditionError.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

// IsStale reports whether err is or wraps a StaleStatusError.
func IsStale(err error) bool {
	var target *StaleStatusError
	return errors.As(err, &target)
}

// IsDeviceIO reports whether err is or wraps a DeviceIOError.
func IsDeviceIO(err error) bool {
	var target *DeviceIOError
	return errors.As(err, &target)
}

// IsTransitionConflict reports whether err is or wraps a TransitionConflictError.
func IsTransitionConflict(err error) bool {
	var target *TransitionConflictError
	return errors.As(err, &target)
}
