// Package model defines the persisted records of a change-verification run:
// batches, prechecks, postchecks and their captured command outputs.
package model

import "time"

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchInitiated  BatchStatus = "initiated"
	BatchInProgress BatchStatus = "in_progress"
	BatchPartial    BatchStatus = "partial"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal returns true once all dispatched device work is accounted for.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchPartial, BatchCompleted, BatchFailed:
		return true
	}
	return false
}

// Batch is one verification run spanning a set of devices.
// Invariant: 0 <= CompletedDevices <= TotalDevices.
type Batch struct {
	ID               string      `json:"batch_id"`
	CreatedAt        time.Time   `json:"created_at"`
	Status           BatchStatus `json:"status"`
	TotalDevices     int         `json:"total_devices"`
	CompletedDevices int         `json:"completed_devices"`
	CreatedBy        string      `json:"created_by,omitempty"`
}

// AggregateStatus derives a terminal batch status from a success count.
// Zero successes is reported as failed rather than as an empty partial.
func AggregateStatus(total, succeeded int) BatchStatus {
	switch {
	case total > 0 && succeeded >= total:
		return BatchCompleted
	case succeeded <= 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// BatchSummary is a batch with the number of prechecks and postchecks it owns.
type BatchSummary struct {
	Batch
	PreCheckCount  int `json:"precheck_count"`
	PostCheckCount int `json:"postcheck_count"`
}
