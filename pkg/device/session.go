package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// DefaultCommandTimeout bounds a single command when Options leaves it unset.
const DefaultCommandTimeout = 60 * time.Second

// Status is the outcome of one device run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the outcome of running a command list on one device. Outputs is
// populated only on success, one entry per command in request order.
type Result struct {
	Status  Status
	Outputs []model.CommandOutput
	Err     error
}

// OK reports whether every command ran.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Err: err}
}

// Options configures a Manager.
type Options struct {
	Transport      Transport
	Lease          Lease         // nil means NopLease
	CommandTimeout time.Duration // per command; 0 means DefaultCommandTimeout
}

// Manager caches one session per Identity. Each identity has its own lock,
// held for the whole of a run, so runs on one device are serialized while
// different devices proceed in parallel.
type Manager struct {
	transport      Transport
	lease          Lease
	commandTimeout time.Duration

	mu      sync.Mutex
	entries map[Identity]*entry
	live    atomic.Int64
}

// entry is never removed from the map once created, so every caller for an
// identity contends on the same lock.
type entry struct {
	mu   sync.Mutex
	conn Conn
}

// Handle refers to the cached session of one identity.
type Handle struct {
	target Target
	entry  *entry
}

// Identity returns the session-cache key of the handle.
func (h *Handle) Identity() Identity {
	return h.target.Identity()
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		transport:      opts.Transport,
		lease:          opts.Lease,
		commandTimeout: opts.CommandTimeout,
		entries:        make(map[Identity]*entry),
	}
	if m.lease == nil {
		m.lease = NopLease{}
	}
	if m.commandTimeout <= 0 {
		m.commandTimeout = DefaultCommandTimeout
	}
	return m
}

// Sessions returns the number of live cached sessions.
func (m *Manager) Sessions() int {
	return int(m.live.Load())
}

func (m *Manager) entryFor(id Identity) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	return e
}

// Acquire returns a handle to a live session for target, dialing if there is
// no cached session or the cached one is dead.
func (m *Manager) Acquire(ctx context.Context, target Target) (*Handle, error) {
	e := m.entryFor(target.Identity())
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.ensureConn(ctx, e, target); err != nil {
		return nil, err
	}
	return &Handle{target: target, entry: e}, nil
}

// ensureConn must be called with e.mu held.
func (m *Manager) ensureConn(ctx context.Context, e *entry, target Target) error {
	if e.conn != nil {
		if m.alive(e.conn) {
			return nil
		}
		util.WithDevice(target.Address).Debug("Cached session is dead, reconnecting")
		m.discard(e, target.Identity())
	}

	conn, err := m.transport.Dial(ctx, target)
	if err != nil {
		return util.NewDeviceError("connect", target.Address, err)
	}
	e.conn = conn
	m.live.Add(1)
	util.WithDevice(target.Address).Debugf("Opened session for %s", target.Username)
	return nil
}

// alive bounds the liveness probe; a probe that hangs counts as dead.
func (m *Manager) alive(conn Conn) bool {
	ch := make(chan bool, 1)
	go func() { ch <- conn.Alive() }()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(m.commandTimeout):
		return false
	}
}

// evict closes and forgets the session. Must be called with e.mu held.
func (m *Manager) evict(e *entry) error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	m.live.Add(-1)
	return err
}

// discard evicts a session that is being given up on. The close error only
// matters for diagnostics. Must be called with e.mu held.
func (m *Manager) discard(e *entry, id Identity) {
	if err := m.evict(e); err != nil {
		util.WithDevice(id.Address).Debugf("Closing session for %s: %v", id.Username, err)
	}
}

// Run executes commands in order on the handle's session. Any failure evicts
// the session and yields an error result; no partial outputs are returned.
func (m *Manager) Run(ctx context.Context, h *Handle, commands []string) Result {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	id := h.Identity()
	logger := util.WithDevice(id.Address)

	if err := m.lease.Acquire(ctx, id); err != nil {
		return errorResult(util.NewDeviceError("lease", id.Address, err))
	}
	defer func() {
		if err := m.lease.Release(context.Background(), id); err != nil {
			logger.Warnf("Releasing lease: %v", err)
		}
	}()

	if err := m.ensureConn(ctx, e, h.target); err != nil {
		return errorResult(err)
	}

	outputs := make([]model.CommandOutput, 0, len(commands))
	for i, cmd := range commands {
		out, err := m.runOne(ctx, e.conn, cmd)
		if err != nil {
			logger.Warnf("Command '%s' failed, evicting session: %v", cmd, err)
			m.discard(e, id)
			return errorResult(util.NewDeviceError("exec", id.Address, err))
		}
		outputs = append(outputs, model.CommandOutput{
			Command:        cmd,
			Output:         out,
			ExecutionOrder: i,
		})
	}
	return Result{Status: StatusSuccess, Outputs: outputs}
}

// runOne runs cmd on its own goroutine so a transport that ignores its
// context is still abandoned at the deadline.
func (m *Manager) runOne(ctx context.Context, conn Conn, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	type reply struct {
		out string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := conn.Run(ctx, cmd)
		ch <- reply{out, err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("command '%s': %w", cmd, ctx.Err())
	}
}

// Execute acquires a session for target and runs commands on it.
func (m *Manager) Execute(ctx context.Context, target Target, commands []string) Result {
	h, err := m.Acquire(ctx, target)
	if err != nil {
		return errorResult(err)
	}
	return m.Run(ctx, h, commands)
}

// Release closes the cached session for id, waiting for an in-flight run.
func (m *Manager) Release(id Identity) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.evict(e)
}

// ReleaseAll closes every cached session.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	ids := make([]Identity, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Release(id); err != nil {
				return fmt.Errorf("closing session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweep probes every idle cached session and evicts the dead ones. Sessions
// in use by a run are skipped. It returns the number of sessions evicted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	entries := make(map[Identity]*entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	m.mu.Unlock()

	evicted := 0
	for id, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.conn != nil && !m.alive(e.conn) {
			util.WithDevice(id.Address).Debugf("Evicting dead idle session for %s", id.Username)
			m.discard(e, id)
			evicted++
		}
		e.mu.Unlock()
	}
	return evicted
}

// KeepAlive sweeps the cache every interval until ctx is done.
func (m *Manager) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				util.WithOperation("keepalive").Infof("Evicted %d dead sessions, %d open", n, m.Sessions())
			}
		}
	}
}
