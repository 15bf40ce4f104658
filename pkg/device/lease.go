package device

import "context"

// Lease guards a device identity across processes. A lease that is held by
// someone else must fail Acquire with util.ErrDeviceBusy.
type Lease interface {
	Acquire(ctx context.Context, id Identity) error
	Release(ctx context.Context, id Identity) error
}

// NopLease never blocks. It is the default when no lease backend is configured.
type NopLease struct{}

func (NopLease) Acquire(context.Context, Identity) error { return nil }
func (NopLease) Release(context.Context, Identity) error { return nil }
