package verify

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/newtron-network/newtcheck/pkg/audit"
	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// task is one device's share of a batch phase.
type task struct {
	run      *run
	checkID  string
	target   device.Target
	commands []string
}

type outcome struct {
	task    task
	result  device.Result
	elapsed time.Duration
}

// run is one dispatched phase of a batch.
type run struct {
	batchID   string
	phase     model.CheckType
	createdBy string
	tasks     []task
	results   chan outcome
	done      chan struct{}
}

func newRun(batchID string, phase model.CheckType, createdBy string) *run {
	return &run{
		batchID:   batchID,
		phase:     phase,
		createdBy: createdBy,
		done:      make(chan struct{}),
	}
}

func (r *run) add(checkID string, target device.Target, commands []string) {
	r.tasks = append(r.tasks, task{run: r, checkID: checkID, target: target, commands: commands})
}

func (r *run) addresses() []string {
	addrs := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		addrs = append(addrs, t.target.Address)
	}
	return addrs
}

// dispatch hands r to a new supervisor.
func (o *Orchestrator) dispatch(r *run) error {
	r.results = make(chan outcome, len(r.tasks))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return util.ErrClosed
	}
	if cur, ok := o.running[r.batchID]; ok {
		return fmt.Errorf("%s of batch %s still in flight", cur.phase, r.batchID)
	}
	o.running[r.batchID] = r
	o.supervisors.Go(func() error {
		o.supervise(r)
		return nil
	})
	return nil
}

// work is the body of one pool worker.
func (o *Orchestrator) work() error {
	for t := range o.tasks {
		t.run.results <- o.execute(t)
	}
	return nil
}

// execute runs one device task. A panic is reported as that device's error.
func (o *Orchestrator) execute(t task) (out outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			util.WithBatch(t.run.batchID).WithField("device", t.target.Address).
				Errorf("Panic running %s: %v\n%s", t.run.phase, r, debug.Stack())
			out = outcome{
				task: t,
				result: device.Result{
					Status: device.StatusError,
					Err:    util.NewDeviceError("exec", t.target.Address, fmt.Errorf("panic: %v", r)),
				},
				elapsed: time.Since(start),
			}
		}
	}()

	res := o.sessions.Execute(context.Background(), t.target, t.commands)
	return outcome{task: t, result: res, elapsed: time.Since(start)}
}

// supervise feeds r's tasks to the pool while recording results as they
// arrive, then finalizes the batch.
func (o *Orchestrator) supervise(r *run) {
	defer func() {
		o.mu.Lock()
		if o.running[r.batchID] == r {
			delete(o.running, r.batchID)
		}
		o.mu.Unlock()
		close(r.done)
	}()

	util.WithBatch(r.batchID).WithField("phase", r.phase).
		Infof("Dispatching %s to %d devices", r.phase, len(r.tasks))

	pending := r.tasks
	for received := 0; received < len(r.tasks); {
		var send chan<- task
		var next task
		if len(pending) > 0 {
			send = o.tasks
			next = pending[0]
		}
		select {
		case send <- next:
			pending = pending[1:]
		case out := <-r.results:
			received++
			o.record(r, out)
		}
	}
	o.finalize(r)
}

// record persists one device result in its own transaction.
func (o *Orchestrator) record(r *run, out outcome) {
	ctx := context.Background()
	t := out.task
	logger := util.WithBatch(r.batchID).WithField("device", t.target.Address).WithField("phase", r.phase)

	status := model.CheckCompleted
	errText := ""
	if !out.result.OK() {
		status = model.CheckFailed
		if out.result.Err != nil {
			errText = out.result.Err.Error()
		}
		logger.Warnf("Device failed: %s", errText)
	} else {
		logger.Debugf("Captured %d outputs in %v", len(out.result.Outputs), out.elapsed)
	}

	var err error
	switch r.phase {
	case model.TypePreCheck:
		err = o.store.CompletePrecheck(ctx, t.checkID, status, errText, out.result.Outputs)
	case model.TypePostCheck:
		err = o.store.CompletePostcheck(ctx, t.checkID, status, errText, out.result.Outputs)
	}
	if err != nil {
		logger.Errorf("Persisting result: %v", err)
		status = model.CheckInProgress
	}

	event := audit.NewEvent(r.createdBy, t.target.Address, string(r.phase)).
		WithBatch(r.batchID, t.checkID).
		WithCommands(len(t.commands)).
		WithDuration(out.elapsed)
	if out.result.OK() {
		event.WithSuccess()
	} else {
		event.WithError(out.result.Err)
	}
	o.logAudit(event)

	o.events.Publish(Event{
		Kind:    EventDevice,
		BatchID: r.batchID,
		Phase:   r.phase,
		Device:  t.target.Address,
		CheckID: t.checkID,
		Status:  string(status),
		Error:   errText,
		Time:    o.now(),
	})
}

// finalize recomputes the batch's completed count and status from persisted
// records.
func (o *Orchestrator) finalize(r *run) {
	ctx := context.Background()
	logger := util.WithBatch(r.batchID).WithField("phase", r.phase)

	b, err := o.store.GetBatch(ctx, r.batchID)
	if err != nil {
		logger.Errorf("Finalizing batch: %v", err)
		return
	}
	succeeded, err := o.countSucceeded(ctx, r.batchID, r.phase)
	if err != nil {
		logger.Errorf("Finalizing batch: %v", err)
		return
	}
	status := model.AggregateStatus(b.TotalDevices, succeeded)
	if succeeded > b.TotalDevices {
		succeeded = b.TotalDevices
	}
	if err := o.store.UpdateBatchProgress(ctx, r.batchID, status, succeeded); err != nil {
		logger.Errorf("Finalizing batch: %v", err)
		return
	}

	logger.Infof("Batch %s: %d/%d devices completed", status, succeeded, b.TotalDevices)
	o.events.Publish(Event{
		Kind:             EventBatch,
		BatchID:          r.batchID,
		Phase:            r.phase,
		Status:           string(status),
		CompletedDevices: succeeded,
		TotalDevices:     b.TotalDevices,
		Time:             o.now(),
	})
}

// countSucceeded counts devices whose latest check of phase completed.
func (o *Orchestrator) countSucceeded(ctx context.Context, batchID string, phase model.CheckType) (int, error) {
	pres, err := o.store.ListPrechecks(ctx, batchID)
	if err != nil {
		return 0, err
	}
	n := 0
	if phase == model.TypePreCheck {
		for _, p := range pres {
			if p.Status == model.CheckCompleted {
				n++
			}
		}
		return n, nil
	}

	posts, err := o.store.ListPostchecks(ctx, batchID)
	if err != nil {
		return 0, err
	}
	for _, p := range pres {
		if pc := posts[p.ID]; pc != nil && pc.Status == model.CheckCompleted {
			n++
		}
	}
	return n, nil
}

// abandon marks every check of an undispatched run failed.
func (o *Orchestrator) abandon(r *run, cause error) {
	for _, t := range r.tasks {
		o.record(r, outcome{task: t, result: device.Result{Status: device.StatusError, Err: cause}})
	}
	o.finalize(r)
}
