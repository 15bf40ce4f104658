package model

import "time"

// CheckStatus is the per-device state of a precheck or postcheck.
type CheckStatus string

const (
	CheckInProgress CheckStatus = "in_progress"
	CheckCompleted  CheckStatus = "completed"
	CheckFailed     CheckStatus = "failed"

	// CheckPending is never persisted; views use it for a device that has
	// no postcheck yet.
	CheckPending CheckStatus = "pending"
)

// CheckType distinguishes the two capture phases.
type CheckType string

const (
	TypePreCheck  CheckType = "precheck"
	TypePostCheck CheckType = "postcheck"
)

// PreCheck is the before-change capture for one device within a batch.
// Commands is the command set used, replayed verbatim by the postcheck.
type PreCheck struct {
	ID            string      `json:"precheck_id"`
	BatchID       string      `json:"batch_id"`
	DeviceAddress string      `json:"device_ip"`
	Username      string      `json:"username,omitempty"`
	Position      int         `json:"-"`
	Status        CheckStatus `json:"status"`
	CreatedBy     string      `json:"created_by,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Commands      []string    `json:"commands"`
	Error         string      `json:"error,omitempty"`
}

// PostCheck is the after-change capture for the device of one PreCheck.
type PostCheck struct {
	ID         string      `json:"postcheck_id"`
	PreCheckID string      `json:"precheck_id"`
	Status     CheckStatus `json:"status"`
	CreatedBy  string      `json:"created_by,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Error      string      `json:"error,omitempty"`
}

// CommandOutput is one command and its captured output. ExecutionOrder is the
// dense 0-based position the command was issued at within its session.
type CommandOutput struct {
	ParentID       string `json:"-"`
	Command        string `json:"command"`
	Output         string `json:"output"`
	ExecutionOrder int    `json:"execution_order"`
}

// CheckRecord is a flattened precheck or postcheck row used by listings.
type CheckRecord struct {
	CheckID       string      `json:"check_id"`
	BatchID       string      `json:"batch_id"`
	Type          CheckType   `json:"type"`
	DeviceAddress string      `json:"device_ip"`
	Status        CheckStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
}
