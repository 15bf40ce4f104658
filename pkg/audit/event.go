// Package audit records one event per device per capture phase.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operations recorded by the orchestrator.
const (
	OpPrecheck  = "precheck"
	OpPostcheck = "postcheck"
)

// Event is one device's outcome in one phase of a batch.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	User      string        `json:"user"`
	Device    string        `json:"device"`
	Operation string        `json:"operation"`
	BatchID   string        `json:"batch_id"`
	CheckID   string        `json:"check_id,omitempty"`
	Commands  int           `json:"commands"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Device      string
	User        string
	Operation   string
	BatchID     string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, device, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		User:      user,
		Device:    device,
		Operation: operation,
	}
}

// WithBatch sets the batch and check the event belongs to.
func (e *Event) WithBatch(batchID, checkID string) *Event {
	e.BatchID = batchID
	e.CheckID = checkID
	return e
}

// WithCommands sets the number of commands the device was asked to run.
func (e *Event) WithCommands(n int) *Event {
	e.Commands = n
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}
