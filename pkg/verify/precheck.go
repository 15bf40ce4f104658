package verify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// StartPrecheck validates the request, persists a new batch with one
// in-progress precheck per device and dispatches the device work. It returns
// before any device is contacted.
func (o *Orchestrator) StartPrecheck(ctx context.Context, req PrecheckRequest) (*StartResult, error) {
	if o.isClosed() {
		return nil, util.ErrClosed
	}
	commands, err := validatePrecheck(req)
	if err != nil {
		return nil, err
	}
	targets := normalizeTargets(req.Devices)

	now := o.now()
	b := &model.Batch{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Status:       model.BatchInitiated,
		TotalDevices: len(targets),
		CreatedBy:    req.CreatedBy,
	}

	r := newRun(b.ID, model.TypePreCheck, req.CreatedBy)
	prechecks := make([]*model.PreCheck, 0, len(targets))
	result := &StartResult{BatchID: b.ID, Status: model.BatchInProgress, Message: AcceptedMessage}
	for i, t := range targets {
		p := &model.PreCheck{
			ID:            uuid.NewString(),
			BatchID:       b.ID,
			DeviceAddress: t.Address,
			Username:      t.Username,
			Position:      i,
			Status:        model.CheckInProgress,
			CreatedBy:     req.CreatedBy,
			Timestamp:     now,
			Commands:      commands,
		}
		prechecks = append(prechecks, p)
		r.add(p.ID, t, commands)
		result.Devices = append(result.Devices, DeviceStart{
			DeviceAddress: t.Address,
			CheckID:       p.ID,
			Status:        model.CheckInProgress,
		})
	}

	if err := o.store.CreateBatch(ctx, b, prechecks); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	if err := o.store.UpdateBatchStatus(ctx, b.ID, model.BatchInProgress); err != nil {
		err = fmt.Errorf("starting batch %s: %w", b.ID, err)
		o.abandon(r, err)
		return nil, err
	}
	if err := o.dispatch(r); err != nil {
		o.abandon(r, err)
		return nil, err
	}

	util.WithBatch(b.ID).WithField("user", req.CreatedBy).
		Infof("Precheck accepted: %d devices, %d commands", len(targets), len(commands))
	return result, nil
}
