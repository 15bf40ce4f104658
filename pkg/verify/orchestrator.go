// Package verify runs change-verification batches: a precheck captures
// command outputs from every device, a later postcheck replays the same
// commands, and the two captures are diffed per device.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtcheck/pkg/audit"
	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// Dispatcher defaults.
const (
	DefaultWorkers    = 8
	DefaultQueueDepth = 64
)

// Store is the persistence the orchestrator needs. *store.Store implements it.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch, prechecks []*model.PreCheck) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error
	UpdateBatchProgress(ctx context.Context, id string, status model.BatchStatus, completed int) error
	ListPrechecks(ctx context.Context, batchID string) ([]*model.PreCheck, error)
	CompletePrecheck(ctx context.Context, id string, status model.CheckStatus, errText string, outputs []model.CommandOutput) error
	CreatePostchecks(ctx context.Context, posts []*model.PostCheck) error
	CompletePostcheck(ctx context.Context, id string, status model.CheckStatus, errText string, outputs []model.CommandOutput) error
	ListPostchecks(ctx context.Context, batchID string) (map[string]*model.PostCheck, error)
	DeleteBatch(ctx context.Context, id string) error
	PrecheckOutputs(ctx context.Context, precheckID string) ([]model.CommandOutput, error)
	PostcheckOutputs(ctx context.Context, postcheckID string) ([]model.CommandOutput, error)
	ListChecks(ctx context.Context, f store.CheckFilter) ([]model.CheckRecord, int, error)
	SearchBatches(ctx context.Context, username string, limit int) ([]model.BatchSummary, error)
}

// Sessions runs command lists on devices. *device.Manager implements it.
type Sessions interface {
	Execute(ctx context.Context, target device.Target, commands []string) device.Result
	ReleaseAll() error
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Store      Store
	Sessions   Sessions
	Audit      audit.Logger // nil logs through the audit package default
	Workers    int
	QueueDepth int
	Now        func() time.Time
}

// Orchestrator owns batch state transitions. Device work runs on a fixed
// pool of workers; each batch phase has one supervisor that feeds the pool,
// persists results as they arrive and finalizes the batch.
type Orchestrator struct {
	store    Store
	sessions Sessions
	audit    audit.Logger
	now      func() time.Time
	events   *Broker

	tasks       chan task
	workers     errgroup.Group
	supervisors errgroup.Group

	// admit serializes postcheck admission and batch deletion so two
	// requests cannot both pass the in-flight guard.
	admit sync.Mutex

	mu      sync.Mutex
	closed  bool
	running map[string]*run
}

// New creates an orchestrator and starts its worker pool.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("verify: store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("verify: session manager is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		store:    opts.Store,
		sessions: opts.Sessions,
		audit:    opts.Audit,
		now:      now,
		events:   NewBroker(),
		tasks:    make(chan task, depth),
		running:  make(map[string]*run),
	}
	for i := 0; i < workers; i++ {
		o.workers.Go(o.work)
	}
	util.WithOperation("dispatcher").Debugf("Started %d workers (queue depth %d)", workers, depth)
	return o, nil
}

// Events returns the broker progress events are published on.
func (o *Orchestrator) Events() *Broker {
	return o.events
}

// Running reports whether background work for batchID is in flight.
func (o *Orchestrator) Running(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[batchID]
	return ok
}

// inFlight returns the phase of batchID being dispatched, or nil.
func (o *Orchestrator) inFlight(batchID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[batchID]
}

// DeleteBatch removes a batch with its checks and outputs. A batch with a
// phase in flight is refused with a *util.ConflictError.
func (o *Orchestrator) DeleteBatch(ctx context.Context, batchID string) error {
	o.admit.Lock()
	defer o.admit.Unlock()

	if r := o.inFlight(batchID); r != nil {
		return util.NewConflictError(batchID, fmt.Sprintf("%s in progress", r.phase), r.addresses()...)
	}
	if err := o.store.DeleteBatch(ctx, batchID); err != nil {
		return err
	}
	util.WithBatch(batchID).Info("Batch deleted")
	return nil
}

// Wait blocks until the in-flight phase of batchID, if any, is finalized.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) error {
	o.mu.Lock()
	r, ok := o.running[batchID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting batches, waits for in-flight batches to finish, stops
// the workers and releases every device session.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.supervisors.Wait()
	close(o.tasks)
	o.workers.Wait()
	return o.sessions.ReleaseAll()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) logAudit(e *audit.Event) {
	var err error
	if o.audit != nil {
		err = o.audit.Log(e)
	} else {
		err = audit.Log(e)
	}
	if err != nil {
		util.WithBatch(e.BatchID).Warnf("Writing audit event: %v", err)
	}
}
