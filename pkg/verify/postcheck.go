package verify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// StartPostcheck replays each requested device's precheck commands. The
// batch must have no phase in flight and every requested device must have a
// completed precheck; otherwise the whole request is rejected with a
// *util.ConflictError and nothing is persisted. A device that already has a
// postcheck gets a fresh one.
func (o *Orchestrator) StartPostcheck(ctx context.Context, batchID string, req PostcheckRequest) (*StartResult, error) {
	if o.isClosed() {
		return nil, util.ErrClosed
	}
	v := &util.ValidationBuilder{}
	validateDevices(v, req.Devices)
	if err := v.Build(); err != nil {
		return nil, err
	}
	targets := normalizeTargets(req.Devices)

	o.admit.Lock()
	defer o.admit.Unlock()

	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if r := o.inFlight(batchID); r != nil {
		return nil, util.NewConflictError(batchID, fmt.Sprintf("%s already in progress", r.phase), r.addresses()...)
	}
	prechecks, err := o.store.ListPrechecks(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(prechecks) == 0 {
		return nil, util.NewNotFoundError("prechecks", batchID)
	}
	posts, err := o.store.ListPostchecks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[string]*model.PreCheck, len(prechecks))
	for _, p := range prechecks {
		byAddr[p.DeviceAddress] = p
	}

	var missing, notReady, busy []string
	for _, t := range targets {
		p := byAddr[t.Address]
		switch {
		case p == nil:
			missing = append(missing, t.Address)
		case p.Status != model.CheckCompleted:
			notReady = append(notReady, t.Address)
		case posts[p.ID] != nil && posts[p.ID].Status == model.CheckInProgress:
			busy = append(busy, t.Address)
		}
	}
	switch {
	case len(missing) > 0:
		return nil, util.NewConflictError(batchID, "no precheck found for devices", missing...)
	case len(notReady) > 0:
		return nil, util.NewConflictError(batchID, "postcheck requires a completed precheck", notReady...)
	case len(busy) > 0:
		return nil, util.NewConflictError(batchID, "postcheck already in progress", busy...)
	}

	now := o.now()
	r := newRun(batchID, model.TypePostCheck, req.CreatedBy)
	created := make([]*model.PostCheck, 0, len(targets))
	result := &StartResult{BatchID: batchID, Status: model.BatchInProgress, Message: AcceptedMessage}
	for _, t := range targets {
		p := byAddr[t.Address]
		if t.Username != p.Username {
			util.WithBatch(batchID).WithField("device", t.Address).
				Warnf("Postcheck user %s differs from precheck user %s", t.Username, p.Username)
		}
		pc := &model.PostCheck{
			ID:         uuid.NewString(),
			PreCheckID: p.ID,
			Status:     model.CheckInProgress,
			CreatedBy:  req.CreatedBy,
			Timestamp:  now,
		}
		created = append(created, pc)
		r.add(pc.ID, t, p.Commands)
		result.Devices = append(result.Devices, DeviceStart{
			DeviceAddress: t.Address,
			CheckID:       pc.ID,
			Status:        model.CheckInProgress,
		})
	}

	if err := o.store.CreatePostchecks(ctx, created); err != nil {
		return nil, fmt.Errorf("creating postchecks: %w", err)
	}
	if err := o.store.UpdateBatchStatus(ctx, batchID, model.BatchInProgress); err != nil {
		err = fmt.Errorf("starting postcheck of %s: %w", batchID, err)
		o.abandon(r, err)
		return nil, err
	}
	if err := o.dispatch(r); err != nil {
		o.abandon(r, err)
		return nil, err
	}

	util.WithBatch(batchID).WithField("user", req.CreatedBy).
		Infof("Postcheck accepted: %d devices", len(targets))
	return result, nil
}
