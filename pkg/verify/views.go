package verify

import (
	"context"
	"sort"
	"time"

	"github.com/newtron-network/newtcheck/pkg/diff"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// Progress percentages reported per device.
const (
	ProgressNone       = 0
	ProgressPrechecked = 50
	ProgressDone       = 100
)

// DeviceStatus is one device's position in the batch lifecycle.
type DeviceStatus struct {
	DeviceAddress   string            `json:"device_ip"`
	PrecheckID      string            `json:"precheck_id"`
	PrecheckStatus  model.CheckStatus `json:"precheck_status"`
	PostcheckID     string            `json:"postcheck_id,omitempty"`
	PostcheckStatus model.CheckStatus `json:"postcheck_status,omitempty"`
	Status          model.CheckStatus `json:"status"`
	StatusDetail    string            `json:"status_detail"`
	Progress        int               `json:"progress"`
	Error           string            `json:"error,omitempty"`
}

// BatchStatusView is the status of a batch and all of its devices.
type BatchStatusView struct {
	BatchID          string            `json:"batch_id"`
	Status           model.BatchStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	CreatedBy        string            `json:"created_by,omitempty"`
	TotalDevices     int               `json:"total_devices"`
	CompletedDevices int               `json:"completed_devices"`
	Devices          []DeviceStatus    `json:"devices"`
}

// GetBatchStatus reads the batch and derives per-device progress.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, batchID string) (*BatchStatusView, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	pres, err := o.store.ListPrechecks(ctx, batchID)
	if err != nil {
		return nil, err
	}
	posts, err := o.store.ListPostchecks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	view := &BatchStatusView{
		BatchID:          b.ID,
		Status:           b.Status,
		CreatedAt:        b.CreatedAt,
		CreatedBy:        b.CreatedBy,
		TotalDevices:     b.TotalDevices,
		CompletedDevices: b.CompletedDevices,
		Devices:          make([]DeviceStatus, 0, len(pres)),
	}
	for _, p := range pres {
		view.Devices = append(view.Devices, deviceStatus(p, posts[p.ID]))
	}
	return view, nil
}

func deviceStatus(p *model.PreCheck, pc *model.PostCheck) DeviceStatus {
	ds := DeviceStatus{
		DeviceAddress:  p.DeviceAddress,
		PrecheckID:     p.ID,
		PrecheckStatus: p.Status,
		Status:         p.Status,
	}

	if pc == nil {
		switch p.Status {
		case model.CheckInProgress:
			ds.StatusDetail = "precheck running"
			ds.Progress = ProgressNone
		case model.CheckCompleted:
			ds.StatusDetail = "precheck completed, awaiting postcheck"
			ds.Progress = ProgressPrechecked
		default:
			ds.StatusDetail = "precheck failed"
			ds.Progress = ProgressNone
			ds.Error = p.Error
		}
		return ds
	}

	ds.PostcheckID = pc.ID
	ds.PostcheckStatus = pc.Status
	ds.Status = pc.Status
	switch pc.Status {
	case model.CheckInProgress:
		ds.StatusDetail = "postcheck running"
		ds.Progress = ProgressPrechecked
	case model.CheckCompleted:
		ds.StatusDetail = "postcheck completed"
		ds.Progress = ProgressDone
	default:
		ds.StatusDetail = "postcheck failed"
		ds.Progress = ProgressPrechecked
		ds.Error = pc.Error
	}
	return ds
}

// CommandView is one precheck command with both captures and their diff.
type CommandView struct {
	Command    string   `json:"command"`
	HasChanges bool     `json:"has_changes"`
	Diff       []string `json:"diff"`
	PreOutput  string   `json:"pre_output"`
	PostOutput string   `json:"post_output"`
}

// DiffSummary totals one device's diff.
type DiffSummary struct {
	TotalCommands       int                 `json:"total_commands"`
	CommandsWithChanges int                 `json:"commands_with_changes"`
	Timestamp           time.Time           `json:"timestamp"`
	Diff                map[string][]string `json:"diff"`
}

// DeviceDiff is one device's diff result. Summary and Commands are set only
// for a completed postcheck.
type DeviceDiff struct {
	DeviceAddress string            `json:"device_ip"`
	PrecheckID    string            `json:"precheck_id"`
	PostcheckID   string            `json:"postcheck_id,omitempty"`
	Status        model.CheckStatus `json:"status"`
	Summary       *DiffSummary      `json:"summary"`
	Commands      []CommandView     `json:"all_commands"`
}

// DiffView is the diff of every device in a batch.
type DiffView struct {
	BatchID       string       `json:"batch_id"`
	OverallStatus string       `json:"overall_status"`
	Devices       []DeviceDiff `json:"devices"`
}

// Overall diff statuses.
const (
	OverallInProgress = "in_progress"
	OverallCompleted  = "completed"
	OverallPartial    = "partial"
)

// GetBatchDiff compares each device's precheck and completed postcheck.
// It fails with a *util.NotFoundError when the batch, its prechecks, or any
// completed postcheck is missing.
func (o *Orchestrator) GetBatchDiff(ctx context.Context, batchID string) (*DiffView, error) {
	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	pres, err := o.store.ListPrechecks(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(pres) == 0 {
		return nil, util.NewNotFoundError("prechecks", batchID)
	}
	posts, err := o.store.ListPostchecks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	view := &DiffView{BatchID: batchID, Devices: make([]DeviceDiff, 0, len(pres))}
	completed := 0
	for _, p := range pres {
		pc := posts[p.ID]
		dd := DeviceDiff{
			DeviceAddress: p.DeviceAddress,
			PrecheckID:    p.ID,
			Status:        diff.ClassifyDevice(pc),
			Commands:      []CommandView{},
		}
		if pc != nil {
			dd.PostcheckID = pc.ID
		}
		if dd.Status == model.CheckCompleted {
			if err := o.fillDeviceDiff(ctx, &dd, p, pc); err != nil {
				return nil, err
			}
			completed++
		}
		view.Devices = append(view.Devices, dd)
	}
	if completed == 0 {
		return nil, util.NewNotFoundError("completed postchecks", batchID)
	}
	view.OverallStatus = overallStatus(view.Devices)
	return view, nil
}

func (o *Orchestrator) fillDeviceDiff(ctx context.Context, dd *DeviceDiff, p *model.PreCheck, pc *model.PostCheck) error {
	pre, err := o.store.PrecheckOutputs(ctx, p.ID)
	if err != nil {
		return err
	}
	post, err := o.store.PostcheckOutputs(ctx, pc.ID)
	if err != nil {
		return err
	}

	report := diff.Compare(pre, post)
	changes := report.Diffs()
	dd.Summary = &DiffSummary{
		TotalCommands:       report.TotalCommands,
		CommandsWithChanges: report.CommandsWithChanges,
		Timestamp:           pc.Timestamp,
		Diff:                changes,
	}

	preMap := outputMap(pre)
	postMap := outputMap(post)
	for _, cmd := range p.Commands {
		lines, changed := changes[cmd]
		if lines == nil {
			lines = []string{}
		}
		dd.Commands = append(dd.Commands, CommandView{
			Command:    cmd,
			HasChanges: changed,
			Diff:       lines,
			PreOutput:  preMap[cmd],
			PostOutput: postMap[cmd],
		})
	}
	return nil
}

// overallStatus is in_progress while any device has no finished postcheck,
// completed when every device completed, and partial otherwise.
func overallStatus(devices []DeviceDiff) string {
	allCompleted := true
	for _, d := range devices {
		switch d.Status {
		case model.CheckPending, model.CheckInProgress:
			return OverallInProgress
		case model.CheckCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return OverallCompleted
	}
	return OverallPartial
}

func outputMap(outputs []model.CommandOutput) map[string]string {
	m := make(map[string]string, len(outputs))
	for _, o := range outputs {
		m[o.Command] = o.Output
	}
	return m
}

// OutputFilter narrows GetBatchOutputs. Empty fields match everything.
type OutputFilter struct {
	DeviceAddress string
	Command       string
}

// CommandOutputs is one command's raw captures. A nil output was not captured.
type CommandOutputs struct {
	Command      string  `json:"command"`
	PreOutput    *string `json:"pre_output"`
	PostOutput   *string `json:"post_output"`
	HasPostcheck bool    `json:"has_postcheck"`
}

// DeviceOutputs is one device's raw captures, commands sorted by name.
type DeviceOutputs struct {
	DeviceAddress   string            `json:"device_ip"`
	PrecheckID      string            `json:"precheck_id"`
	PostcheckID     string            `json:"postcheck_id,omitempty"`
	PrecheckStatus  model.CheckStatus `json:"precheck_status"`
	PostcheckStatus model.CheckStatus `json:"postcheck_status,omitempty"`
	Commands        []CommandOutputs  `json:"commands"`
}

// OutputsView is the raw captures of a batch.
type OutputsView struct {
	BatchID          string            `json:"batch_id"`
	Status           model.BatchStatus `json:"status"`
	TotalDevices     int               `json:"total_devices"`
	CompletedDevices int               `json:"completed_devices"`
	Devices          []DeviceOutputs   `json:"devices"`
}

// GetBatchOutputs returns raw pre/post outputs per device.
func (o *Orchestrator) GetBatchOutputs(ctx context.Context, batchID string, f OutputFilter) (*OutputsView, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	pres, err := o.store.ListPrechecks(ctx, batchID)
	if err != nil {
		return nil, err
	}
	posts, err := o.store.ListPostchecks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	view := &OutputsView{
		BatchID:          b.ID,
		Status:           b.Status,
		TotalDevices:     b.TotalDevices,
		CompletedDevices: b.CompletedDevices,
		Devices:          []DeviceOutputs{},
	}
	for _, p := range pres {
		if f.DeviceAddress != "" && p.DeviceAddress != f.DeviceAddress {
			continue
		}
		dev := DeviceOutputs{
			DeviceAddress:  p.DeviceAddress,
			PrecheckID:     p.ID,
			PrecheckStatus: p.Status,
		}

		byCmd := make(map[string]*CommandOutputs)
		entry := func(cmd string) *CommandOutputs {
			e, ok := byCmd[cmd]
			if !ok {
				e = &CommandOutputs{Command: cmd}
				byCmd[cmd] = e
			}
			return e
		}

		pre, err := o.store.PrecheckOutputs(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, out := range pre {
			if f.Command != "" && out.Command != f.Command {
				continue
			}
			text := out.Output
			entry(out.Command).PreOutput = &text
		}

		if pc := posts[p.ID]; pc != nil {
			dev.PostcheckID = pc.ID
			dev.PostcheckStatus = pc.Status
			post, err := o.store.PostcheckOutputs(ctx, pc.ID)
			if err != nil {
				return nil, err
			}
			for _, out := range post {
				if f.Command != "" && out.Command != f.Command {
					continue
				}
				text := out.Output
				e := entry(out.Command)
				e.PostOutput = &text
				e.HasPostcheck = true
			}
		}

		dev.Commands = make([]CommandOutputs, 0, len(byCmd))
		for _, e := range byCmd {
			dev.Commands = append(dev.Commands, *e)
		}
		sort.Slice(dev.Commands, func(i, j int) bool {
			return dev.Commands[i].Command < dev.Commands[j].Command
		})
		view.Devices = append(view.Devices, dev)
	}
	return view, nil
}

// CheckPage is one page of ListChecks.
type CheckPage struct {
	Checks []model.CheckRecord `json:"checks"`
	Total  int                 `json:"total"`
	Page   int                 `json:"page"`
	Limit  int                 `json:"limit"`
}

// ListChecks lists prechecks and postchecks across batches.
func (o *Orchestrator) ListChecks(ctx context.Context, f store.CheckFilter) (*CheckPage, error) {
	f.Normalize()
	checks, total, err := o.store.ListChecks(ctx, f)
	if err != nil {
		return nil, err
	}
	if checks == nil {
		checks = []model.CheckRecord{}
	}
	return &CheckPage{Checks: checks, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// BatchSearch is the result of SearchBatches.
type BatchSearch struct {
	Username     string               `json:"username"`
	TotalBatches int                  `json:"total_batches"`
	Batches      []model.BatchSummary `json:"batches"`
}

// SearchBatches lists the batches created by username, newest first.
func (o *Orchestrator) SearchBatches(ctx context.Context, username string) (*BatchSearch, error) {
	batches, err := o.store.SearchBatches(ctx, username, 0)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []model.BatchSummary{}
	}
	return &BatchSearch{Username: username, TotalBatches: len(batches), Batches: batches}, nil
}
