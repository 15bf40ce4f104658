// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to one of these so callers
// can classify with errors.Is.
var (
	ErrValidationFailed = errors.New("validation failed")
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("conflict")
	ErrDevice           = errors.New("device error")
	ErrDeviceBusy       = errors.New("device leased by another holder")
	ErrClosed           = errors.New("orchestrator closed")
)

// ValidationError represents one or more validation failures. InvalidCommands
// carries the exact commands rejected by the command policy, if any.
type ValidationError struct {
	Errors          []string
	InvalidCommands []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// NewInvalidCommandError reports commands rejected by the read-only policy.
func NewInvalidCommandError(commands []string) *ValidationError {
	return &ValidationError{
		Errors:          []string{"invalid commands detected: " + strings.Join(commands, ", ")},
		InvalidCommands: commands,
	}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// NotFoundError reports a missing batch, check, or derived view.
type NotFoundError struct {
	Kind string // "batch", "prechecks", "completed postchecks"
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "batch" {
		return fmt.Sprintf("batch not found: %s", e.ID)
	}
	return fmt.Sprintf("no %s found for batch: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError rejects an operation whose preconditions on persisted state
// are not met, such as a postcheck against a failed precheck.
type ConflictError struct {
	BatchID string
	Devices []string
	Reason  string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("batch %s: %s", e.BatchID, e.Reason)
	if len(e.Devices) > 0 {
		msg += ": " + strings.Join(e.Devices, ", ")
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NewConflictError creates a conflict error
func NewConflictError(batchID, reason string, devices ...string) *ConflictError {
	return &ConflictError{BatchID: batchID, Devices: devices, Reason: reason}
}

// DeviceError represents a connection, authentication or execution failure
// on one device. It is recorded against that device and never aborts a batch.
type DeviceError struct {
	Op     string // "connect", "exec", "lease"
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

// Is reports ErrDevice so errors.Is works while Unwrap still exposes the cause.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a device error
func NewDeviceError(op, device string, err error) *DeviceError {
	return &DeviceError{Op: op, Device: device, Err: err}
}
