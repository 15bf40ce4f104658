package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/newtron-network/newtcheck/pkg/audit"
	"github.com/newtron-network/newtcheck/pkg/config"
	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

// service is the in-process verification stack built from config.
type service struct {
	store    *store.Store
	sessions *device.Manager
	lease    *device.RedisLease // nil when leasing is disabled
	audit    *audit.FileLogger
	orch     *verify.Orchestrator
}

// openService wires store, device sessions, audit and orchestrator. Read-only
// callers skip the lease backend since they never reach a device.
func openService(ctx context.Context, cfg *config.Config, readOnly bool) (_ *service, err error) {
	svc := &service{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	svc.store, err = store.Open(store.Options{Path: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return nil, err
	}

	transport, err := device.NewSSHTransport(device.SSHOptions{
		Port:           cfg.SSH.Port,
		DialTimeout:    cfg.SSH.DialTimeout,
		KnownHostsFile: cfg.SSH.KnownHosts,
	})
	if err != nil {
		return nil, err
	}

	var lease device.Lease
	if cfg.Lease.Enabled() && !readOnly {
		svc.lease = device.NewRedisLease(device.RedisLeaseOptions{
			Addr:     cfg.Lease.Addr,
			Password: cfg.Lease.Password,
			DB:       cfg.Lease.DB,
			TTL:      cfg.Lease.TTL,
		})
		if err := svc.lease.Ping(ctx); err != nil {
			return nil, fmt.Errorf("lease backend %s: %w", cfg.Lease.Addr, err)
		}
		lease = svc.lease
		util.Debugf("Device leases held as %s", svc.lease.Holder())
	}

	svc.sessions = device.NewManager(device.Options{
		Transport:      transport,
		Lease:          lease,
		CommandTimeout: cfg.SSH.CommandTimeout,
	})

	svc.audit, err = openAuditLogger(cfg)
	if err != nil {
		return nil, err
	}
	audit.SetDefaultLogger(svc.audit)

	svc.orch, err = verify.New(verify.Options{
		Store:      svc.store,
		Sessions:   svc.sessions,
		Audit:      svc.audit,
		Workers:    cfg.Workers.Count,
		QueueDepth: cfg.Workers.QueueDepth,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func openAuditLogger(cfg *config.Config) (*audit.FileLogger, error) {
	l, err := audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{
		MaxSize:    cfg.AuditMaxBytes(),
		MaxBackups: cfg.Audit.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return l, nil
}

// Close drains in-flight batches, then releases sessions and closes storage.
func (s *service) Close() error {
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	} else if s.sessions != nil {
		errs = append(errs, s.sessions.ReleaseAll())
	}
	if s.lease != nil {
		errs = append(errs, s.lease.Close())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
