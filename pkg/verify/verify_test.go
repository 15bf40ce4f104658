package verify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/newtron-network/newtcheck/pkg/audit"
	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// scriptedTransport answers every command with a per-device scripted output.
type scriptedTransport struct {
	mu       sync.Mutex
	dials    map[string]int
	failDial map[string]bool
	outputs  map[string]string // "addr|cmd" -> output
	gate     chan struct{}     // when set, commands block until it is closed
	gates    map[string]chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		dials:    make(map[string]int),
		failDial: make(map[string]bool),
		outputs:  make(map[string]string),
		gates:    make(map[string]chan struct{}),
	}
}

func (s *scriptedTransport) Dial(_ context.Context, t device.Target) (device.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials[t.Address]++
	if s.failDial[t.Address] {
		return nil, fmt.Errorf("dial tcp %s:22: connection refused", t.Address)
	}
	return &scriptedConn{s: s, addr: t.Address}, nil
}

func (s *scriptedTransport) setOutput(addr, cmd, out string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[addr+"|"+cmd] = out
}

func (s *scriptedTransport) setGate(g chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

// setDeviceGate blocks only addr's commands until g is closed.
func (s *scriptedTransport) setDeviceGate(addr string, g chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[addr] = g
}

func (s *scriptedTransport) totalDials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.dials {
		n += d
	}
	return n
}

func (s *scriptedTransport) dialCount(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[addr]
}

type scriptedConn struct {
	s    *scriptedTransport
	addr string
}

func (c *scriptedConn) Run(ctx context.Context, cmd string) (string, error) {
	c.s.mu.Lock()
	gate := c.s.gate
	if g, ok := c.s.gates[c.addr]; ok {
		gate = g
	}
	out, ok := c.s.outputs[c.addr+"|"+cmd]
	c.s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		out = c.addr + ": " + cmd + "\n"
	}
	return out, nil
}

func (c *scriptedConn) Alive() bool  { return true }
func (c *scriptedConn) Close() error { return nil }

type harness struct {
	o     *Orchestrator
	store *store.Store
	tr    *scriptedTransport
	audit *audit.FileLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, newScriptedTransport(), nil)
}

func newHarnessWith(t *testing.T, tr *scriptedTransport, sessions Sessions) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	al, err := audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), audit.RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })

	if sessions == nil {
		sessions = device.NewManager(device.Options{Transport: tr, CommandTimeout: 5 * time.Second})
	}
	o, err := New(Options{Store: st, Sessions: sessions, Audit: al, Workers: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Close() })
	return &harness{o: o, store: st, tr: tr, audit: al}
}

func targets(addrs ...string) []device.Target {
	var out []device.Target
	for _, a := range addrs {
		out = append(out, device.Target{Address: a, Username: "admin", Password: "secret"})
	}
	return out
}

func (h *harness) wait(t *testing.T, batchID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.o.Wait(ctx, batchID); err != nil {
		t.Fatalf("Wait(%s): %v", batchID, err)
	}
}

func (h *harness) precheck(t *testing.T, addrs ...string) string {
	t.Helper()
	res, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:   targets(addrs...),
		Commands:  []string{"show version", "show running-config"},
		CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("StartPrecheck: %v", err)
	}
	h.wait(t, res.BatchID)
	return res.BatchID
}

func (h *harness) postcheck(t *testing.T, batchID string, addrs ...string) {
	t.Helper()
	if _, err := h.o.StartPostcheck(context.Background(), batchID, PostcheckRequest{
		Devices:   targets(addrs...),
		CreatedBy: "alice",
	}); err != nil {
		t.Fatalf("StartPostcheck: %v", err)
	}
	h.wait(t, batchID)
}

func (h *harness) batch(t *testing.T, id string) *model.Batch {
	t.Helper()
	b, err := h.store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if b.CompletedDevices < 0 || b.CompletedDevices > b.TotalDevices {
		t.Errorf("CompletedDevices = %d outside [0, %d]", b.CompletedDevices, b.TotalDevices)
	}
	return b
}

func TestStartPrecheck_UnsafeCommandRejected(t *testing.T) {
	h := newHarness(t)
	hook := test.NewLocal(util.Logger)
	defer hook.Reset()

	_, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1", "10.0.0.2"),
		Commands: []string{"show version", "configure terminal", "delete sys"},
	})
	var verr *util.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *util.ValidationError", err)
	}
	want := []string{"configure terminal", "delete sys"}
	if !reflect.DeepEqual(verr.InvalidCommands, want) {
		t.Errorf("InvalidCommands = %v, want %v", verr.InvalidCommands, want)
	}
	if h.tr.totalDials() != 0 {
		t.Errorf("dials = %d, want 0", h.tr.totalDials())
	}
	batches, _ := h.store.SearchBatches(context.Background(), "", 0)
	if len(batches) != 0 {
		t.Errorf("%d batches persisted, want 0", len(batches))
	}

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "configure terminal") {
			warned = true
		}
	}
	if !warned {
		t.Error("rejected commands were not logged")
	}
}

func TestStartPrecheck_RequestValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		req     PrecheckRequest
		wantMsg string
	}{
		{"no devices", PrecheckRequest{Commands: []string{"show version"}}, "at least one device"},
		{"no commands", PrecheckRequest{Devices: targets("10.0.0.1")}, "at least one command"},
		{"duplicate command", PrecheckRequest{Devices: targets("10.0.0.1"), Commands: []string{"show version", " show version"}}, "duplicate command"},
		{"duplicate device", PrecheckRequest{Devices: targets("10.0.0.1", "10.0.0.1"), Commands: []string{"show version"}}, "duplicate device"},
		{"missing address", PrecheckRequest{Devices: []device.Target{{Username: "admin"}}, Commands: []string{"show version"}}, "address is required"},
		{"missing username", PrecheckRequest{Devices: []device.Target{{Address: "10.0.0.1"}}, Commands: []string{"show version"}}, "username is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.o.StartPrecheck(context.Background(), tt.req)
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Fatalf("err = %v, want ErrValidationFailed", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want it to contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
	if h.tr.totalDials() != 0 {
		t.Errorf("dials = %d, want 0", h.tr.totalDials())
	}
}

func TestPrecheck_AllDevicesSucceed(t *testing.T) {
	h := newHarness(t)

	res, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1", "10.0.0.2", "10.0.0.3"),
		Commands: []string{"show version"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != AcceptedMessage {
		t.Errorf("Message = %q", res.Message)
	}
	if len(res.Devices) != 3 || res.Devices[0].Status != model.CheckInProgress {
		t.Errorf("Devices = %+v", res.Devices)
	}
	h.wait(t, res.BatchID)

	b := h.batch(t, res.BatchID)
	if b.Status != model.BatchCompleted || b.CompletedDevices != 3 {
		t.Errorf("batch = %s %d/%d, want completed 3/3", b.Status, b.CompletedDevices, b.TotalDevices)
	}
}

func TestPrecheck_PartialWhenOneDeviceUnreachable(t *testing.T) {
	h := newHarness(t)
	h.tr.failDial["10.0.0.3"] = true

	id := h.precheck(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	b := h.batch(t, id)
	if b.Status != model.BatchPartial {
		t.Errorf("Status = %q, want %q", b.Status, model.BatchPartial)
	}
	if b.CompletedDevices != 2 {
		t.Errorf("CompletedDevices = %d, want 2", b.CompletedDevices)
	}

	status, err := h.o.GetBatchStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	c := status.Devices[2]
	if c.DeviceAddress != "10.0.0.3" || c.Status != model.CheckFailed {
		t.Errorf("device C = %+v, want failed", c)
	}
	if !strings.Contains(c.Error, "connection refused") {
		t.Errorf("device C error = %q", c.Error)
	}
	outs, _ := h.store.PrecheckOutputs(context.Background(), c.PrecheckID)
	if len(outs) != 0 {
		t.Errorf("device C has %d outputs, want 0", len(outs))
	}
	if a := status.Devices[0]; a.Progress != ProgressPrechecked {
		t.Errorf("device A progress = %d, want %d", a.Progress, ProgressPrechecked)
	}
}

func TestPrecheck_AllDevicesFail(t *testing.T) {
	h := newHarness(t)
	h.tr.failDial["10.0.0.1"] = true
	h.tr.failDial["10.0.0.2"] = true

	id := h.precheck(t, "10.0.0.1", "10.0.0.2")

	b := h.batch(t, id)
	if b.Status != model.BatchFailed || b.CompletedDevices != 0 {
		t.Errorf("batch = %s %d, want failed 0", b.Status, b.CompletedDevices)
	}
}

func TestPostcheck_RejectedForFailedPrecheck(t *testing.T) {
	h := newHarness(t)
	h.tr.failDial["10.0.0.3"] = true
	id := h.precheck(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	_, err := h.o.StartPostcheck(context.Background(), id, PostcheckRequest{
		Devices: targets("10.0.0.1", "10.0.0.3"),
	})
	var cerr *util.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *util.ConflictError", err)
	}
	if !reflect.DeepEqual(cerr.Devices, []string{"10.0.0.3"}) {
		t.Errorf("Devices = %v, want [10.0.0.3]", cerr.Devices)
	}
	posts, _ := h.store.ListPostchecks(context.Background(), id)
	if len(posts) != 0 {
		t.Errorf("%d postchecks persisted, want 0", len(posts))
	}
	if h.tr.dialCount("10.0.0.1") != 1 {
		t.Errorf("device A dialed %d times, want 1", h.tr.dialCount("10.0.0.1"))
	}
}

func TestPostcheck_UnknownBatchAndDevice(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.StartPostcheck(context.Background(), "nope", PostcheckRequest{Devices: targets("10.0.0.1")})
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown batch: err = %v, want ErrNotFound", err)
	}

	id := h.precheck(t, "10.0.0.1")
	_, err = h.o.StartPostcheck(context.Background(), id, PostcheckRequest{Devices: targets("10.0.0.9")})
	if !errors.Is(err, util.ErrConflict) {
		t.Errorf("unknown device: err = %v, want ErrConflict", err)
	}

	_, err = h.o.StartPostcheck(context.Background(), id, PostcheckRequest{})
	if !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("no devices: err = %v, want ErrValidationFailed", err)
	}
}

func TestPostcheck_RejectedWhilePrecheckRunning(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.tr.setGate(gate)

	res, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1"),
		Commands: []string{"show version"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.o.StartPostcheck(context.Background(), res.BatchID, PostcheckRequest{Devices: targets("10.0.0.1")})
	if !errors.Is(err, util.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	if !h.o.Running(res.BatchID) {
		t.Error("Running() = false while the precheck is gated")
	}

	close(gate)
	h.wait(t, res.BatchID)
	if h.o.Running(res.BatchID) {
		t.Error("Running() = true after Wait")
	}
}

func TestPostcheck_RejectedWhilePostcheckRunning(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1")

	gate := make(chan struct{})
	h.tr.setGate(gate)
	if _, err := h.o.StartPostcheck(context.Background(), id, PostcheckRequest{Devices: targets("10.0.0.1")}); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.StartPostcheck(context.Background(), id, PostcheckRequest{Devices: targets("10.0.0.1")})
	var cerr *util.ConflictError
	if !errors.As(err, &cerr) || !strings.Contains(cerr.Reason, "already in progress") {
		t.Errorf("err = %v, want postcheck already in progress", err)
	}

	close(gate)
	h.wait(t, id)
}

// waitForPrecheck polls until addr's precheck in batchID has finished.
func (h *harness) waitForPrecheck(t *testing.T, batchID, addr string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := h.o.GetBatchStatus(context.Background(), batchID)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range view.Devices {
			if d.DeviceAddress == addr && d.PrecheckStatus != model.CheckInProgress {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("precheck of %s in %s did not finish", addr, batchID)
}

func TestPostcheck_RejectedWhileOtherDevicePrechecking(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.tr.setDeviceGate("10.0.0.2", gate)

	res, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1", "10.0.0.2"),
		Commands: []string{"show version"},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.waitForPrecheck(t, res.BatchID, "10.0.0.1")

	_, err = h.o.StartPostcheck(context.Background(), res.BatchID, PostcheckRequest{Devices: targets("10.0.0.1")})
	var cerr *util.ConflictError
	if !errors.As(err, &cerr) || !strings.Contains(cerr.Reason, "precheck already in progress") {
		t.Fatalf("err = %v, want precheck already in progress", err)
	}
	if !h.o.Running(res.BatchID) {
		t.Error("Running() = false while device B is still prechecking")
	}

	close(gate)
	h.wait(t, res.BatchID)

	posts, err := h.store.ListPostchecks(context.Background(), res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 0 {
		t.Errorf("postchecks = %d, want 0", len(posts))
	}
	b := h.batch(t, res.BatchID)
	if b.Status != model.BatchCompleted || b.CompletedDevices != 2 {
		t.Errorf("batch = %s %d, want completed 2", b.Status, b.CompletedDevices)
	}
}

func TestPostcheck_RejectedForOtherSubsetWhileRunning(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")

	gate := make(chan struct{})
	h.tr.setDeviceGate("10.0.0.1", gate)
	if _, err := h.o.StartPostcheck(context.Background(), id, PostcheckRequest{Devices: targets("10.0.0.1")}); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.StartPostcheck(context.Background(), id, PostcheckRequest{Devices: targets("10.0.0.2")})
	if !errors.Is(err, util.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}

	close(gate)
	h.wait(t, id)
	if h.o.Running(id) {
		t.Error("Running() = true after Wait")
	}
	posts, err := h.store.ListPostchecks(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Errorf("postchecks = %d, want 1", len(posts))
	}
	b := h.batch(t, id)
	if b.Status != model.BatchPartial || b.CompletedDevices != 1 {
		t.Errorf("batch = %s %d, want partial 1", b.Status, b.CompletedDevices)
	}
}

// statusFailStore fails every batch status update.
type statusFailStore struct {
	*store.Store
}

func (statusFailStore) UpdateBatchStatus(context.Context, string, model.BatchStatus) error {
	return errors.New("database is locked")
}

func TestStartPrecheck_StatusUpdateFailureFailsBatch(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	al, err := audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), audit.RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()
	tr := newScriptedTransport()
	o, err := New(Options{
		Store:    statusFailStore{st},
		Sessions: device.NewManager(device.Options{Transport: tr}),
		Audit:    al,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	_, err = o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1", "10.0.0.2"),
		Commands: []string{"show version"},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	batches, err := st.SearchBatches(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].Status != model.BatchFailed {
		t.Errorf("batch status = %s, want failed", batches[0].Status)
	}
	pres, err := st.ListPrechecks(context.Background(), batches[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pres {
		if p.Status != model.CheckFailed {
			t.Errorf("precheck %s status = %s, want failed", p.DeviceAddress, p.Status)
		}
	}
	if tr.totalDials() != 0 {
		t.Errorf("dials = %d, want 0", tr.totalDials())
	}
}

func TestDeleteBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")
	h.postcheck(t, id, "10.0.0.1")

	gate := make(chan struct{})
	h.tr.setGate(gate)
	running, err := h.o.StartPrecheck(ctx, PrecheckRequest{
		Devices:  targets("10.0.0.3"),
		Commands: []string{"show version"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.o.DeleteBatch(ctx, running.BatchID); !errors.Is(err, util.ErrConflict) {
		t.Errorf("DeleteBatch(running) = %v, want ErrConflict", err)
	}
	close(gate)
	h.wait(t, running.BatchID)

	if err := h.o.DeleteBatch(ctx, id); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, err := h.o.GetBatchStatus(ctx, id); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("GetBatchStatus after delete = %v, want ErrNotFound", err)
	}
	page, err := h.o.ListChecks(ctx, store.CheckFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Errorf("checks after delete = %d, want 1", page.Total)
	}
	if err := h.o.DeleteBatch(ctx, id); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("second DeleteBatch = %v, want ErrNotFound", err)
	}
}

func TestEndToEnd_VersionChangeDetected(t *testing.T) {
	h := newHarness(t)
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		h.tr.setOutput(addr, "show version", "F5 v15.1\n")
		h.tr.setOutput(addr, "show running-config", "hostname bigip\n")
	}
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")

	h.tr.setOutput("10.0.0.1", "show version", "F5 v15.1.1\n")
	h.postcheck(t, id, "10.0.0.1", "10.0.0.2")

	b := h.batch(t, id)
	if b.Status != model.BatchCompleted || b.CompletedDevices != 2 {
		t.Errorf("batch = %s %d, want completed 2", b.Status, b.CompletedDevices)
	}

	view, err := h.o.GetBatchDiff(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if view.OverallStatus != OverallCompleted {
		t.Errorf("OverallStatus = %q, want %q", view.OverallStatus, OverallCompleted)
	}

	a := view.Devices[0]
	if a.Summary == nil {
		t.Fatal("device A has no summary")
	}
	if a.Summary.TotalCommands != 2 || a.Summary.CommandsWithChanges < 1 {
		t.Errorf("device A totals = %d/%d", a.Summary.TotalCommands, a.Summary.CommandsWithChanges)
	}
	if len(a.Summary.Diff["show version"]) == 0 {
		t.Error("device A has an empty diff for show version")
	}
	if len(a.Commands) != 2 || !a.Commands[0].HasChanges || a.Commands[1].HasChanges {
		t.Errorf("device A commands = %+v", a.Commands)
	}
	if a.Commands[0].PreOutput != "F5 v15.1\n" || a.Commands[0].PostOutput != "F5 v15.1.1\n" {
		t.Errorf("device A outputs = %q / %q", a.Commands[0].PreOutput, a.Commands[0].PostOutput)
	}

	bdev := view.Devices[1]
	if bdev.Summary.CommandsWithChanges != 0 {
		t.Errorf("device B changes = %d, want 0", bdev.Summary.CommandsWithChanges)
	}

	status, _ := h.o.GetBatchStatus(context.Background(), id)
	for _, d := range status.Devices {
		if d.Progress != ProgressDone || d.StatusDetail != "postcheck completed" {
			t.Errorf("%s: progress %d detail %q", d.DeviceAddress, d.Progress, d.StatusDetail)
		}
	}

	// Each device kept one session across both phases.
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		if n := h.tr.dialCount(addr); n != 1 {
			t.Errorf("%s dialed %d times, want 1", addr, n)
		}
	}
}

func TestReads_AreIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")
	h.postcheck(t, id, "10.0.0.1")

	ctx := context.Background()
	s1, _ := h.o.GetBatchStatus(ctx, id)
	s2, _ := h.o.GetBatchStatus(ctx, id)
	if !reflect.DeepEqual(s1, s2) {
		t.Error("GetBatchStatus differs between reads")
	}
	d1, err := h.o.GetBatchDiff(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := h.o.GetBatchDiff(ctx, id)
	if !reflect.DeepEqual(d1, d2) {
		t.Error("GetBatchDiff differs between reads")
	}
	b1 := h.batch(t, id)
	h.o.GetBatchDiff(ctx, id)
	b2 := h.batch(t, id)
	if !reflect.DeepEqual(b1, b2) {
		t.Error("batch changed after a diff read")
	}

	if d1.OverallStatus != OverallInProgress {
		t.Errorf("OverallStatus = %q, want %q with one device pending", d1.OverallStatus, OverallInProgress)
	}
	if d1.Devices[1].Status != model.CheckPending || d1.Devices[1].Summary != nil {
		t.Errorf("pending device = %+v", d1.Devices[1])
	}
}

func TestPostcheck_SubsetRecomputesBatch(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	h.postcheck(t, id, "10.0.0.1")
	b := h.batch(t, id)
	if b.Status != model.BatchPartial || b.CompletedDevices != 1 {
		t.Errorf("after first postcheck: %s %d, want partial 1", b.Status, b.CompletedDevices)
	}

	h.postcheck(t, id, "10.0.0.2", "10.0.0.3")
	b = h.batch(t, id)
	if b.Status != model.BatchCompleted || b.CompletedDevices != 3 {
		t.Errorf("after second postcheck: %s %d, want completed 3", b.Status, b.CompletedDevices)
	}
}

func TestPostcheck_FailureGivesPartialDiff(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")

	// Drop B's cached session so the postcheck has to redial and fails.
	mgr := h.o.sessions.(*device.Manager)
	mgr.Release(device.Identity{Address: "10.0.0.2", Username: "admin"})
	h.tr.mu.Lock()
	h.tr.failDial["10.0.0.2"] = true
	h.tr.mu.Unlock()

	h.postcheck(t, id, "10.0.0.1", "10.0.0.2")

	b := h.batch(t, id)
	if b.Status != model.BatchPartial || b.CompletedDevices != 1 {
		t.Errorf("batch = %s %d, want partial 1", b.Status, b.CompletedDevices)
	}
	view, err := h.o.GetBatchDiff(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if view.OverallStatus != OverallPartial {
		t.Errorf("OverallStatus = %q, want %q", view.OverallStatus, OverallPartial)
	}
	if view.Devices[1].Status != model.CheckFailed {
		t.Errorf("device B status = %q, want failed", view.Devices[1].Status)
	}

	status, _ := h.o.GetBatchStatus(context.Background(), id)
	if d := status.Devices[1]; d.StatusDetail != "postcheck failed" || d.Error == "" {
		t.Errorf("device B = %+v", d)
	}
}

func TestGetBatchDiff_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.GetBatchDiff(context.Background(), "nope")
	var nf *util.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "batch" {
		t.Errorf("unknown batch: err = %v", err)
	}

	id := h.precheck(t, "10.0.0.1")
	_, err = h.o.GetBatchDiff(context.Background(), id)
	if !errors.As(err, &nf) || nf.Kind != "completed postchecks" {
		t.Errorf("no postcheck: err = %v, want completed postchecks not found", err)
	}
}

func TestGetBatchOutputs(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")
	h.postcheck(t, id, "10.0.0.1")
	ctx := context.Background()

	all, err := h.o.GetBatchOutputs(ctx, id, OutputFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(all.Devices))
	}
	a := all.Devices[0]
	if len(a.Commands) != 2 || a.Commands[0].Command != "show running-config" || a.Commands[1].Command != "show version" {
		t.Errorf("commands not sorted: %+v", a.Commands)
	}
	if !a.Commands[0].HasPostcheck || a.Commands[0].PostOutput == nil {
		t.Error("device A should have postcheck outputs")
	}
	b := all.Devices[1]
	if b.PostcheckID != "" || b.Commands[0].PostOutput != nil || b.Commands[0].HasPostcheck {
		t.Errorf("device B should have no postcheck: %+v", b)
	}

	filtered, _ := h.o.GetBatchOutputs(ctx, id, OutputFilter{DeviceAddress: "10.0.0.2", Command: "show version"})
	if len(filtered.Devices) != 1 || len(filtered.Devices[0].Commands) != 1 {
		t.Fatalf("filtered = %+v", filtered)
	}
	if got := *filtered.Devices[0].Commands[0].PreOutput; got != "10.0.0.2: show version\n" {
		t.Errorf("PreOutput = %q", got)
	}

	if _, err := h.o.GetBatchOutputs(ctx, "nope", OutputFilter{}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown batch: err = %v", err)
	}
}

func TestListChecksAndSearch(t *testing.T) {
	h := newHarness(t)
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")
	h.postcheck(t, id, "10.0.0.1")
	ctx := context.Background()

	page, err := h.o.ListChecks(ctx, store.CheckFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || page.Page != 1 || page.Limit != store.DefaultCheckLimit {
		t.Errorf("page = total %d page %d limit %d", page.Total, page.Page, page.Limit)
	}
	post, _ := h.o.ListChecks(ctx, store.CheckFilter{Type: model.TypePostCheck})
	if post.Total != 1 || post.Checks[0].DeviceAddress != "10.0.0.1" {
		t.Errorf("postchecks = %+v", post.Checks)
	}

	found, err := h.o.SearchBatches(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if found.TotalBatches != 1 || found.Batches[0].PreCheckCount != 2 || found.Batches[0].PostCheckCount != 1 {
		t.Errorf("search = %+v", found)
	}
	none, _ := h.o.SearchBatches(ctx, "bob")
	if none.TotalBatches != 0 || none.Batches == nil {
		t.Errorf("search bob = %+v", none)
	}
}

func TestAuditEventsPerDevicePerPhase(t *testing.T) {
	h := newHarness(t)
	h.tr.failDial["10.0.0.2"] = true
	id := h.precheck(t, "10.0.0.1", "10.0.0.2")
	h.postcheck(t, id, "10.0.0.1")

	events, err := h.audit.Query(audit.Filter{BatchID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d audit events, want 3", len(events))
	}
	failed, _ := h.audit.Query(audit.Filter{BatchID: id, FailureOnly: true})
	if len(failed) != 1 || failed[0].Device != "10.0.0.2" || failed[0].Operation != audit.OpPrecheck {
		t.Errorf("failed events = %+v", failed)
	}
	post, _ := h.audit.Query(audit.Filter{Operation: audit.OpPostcheck})
	if len(post) != 1 || post[0].Commands != 2 || post[0].User != "alice" {
		t.Errorf("postcheck events = %+v", post)
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.o.Events().Subscribe("")
	defer cancel()

	res, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1", "10.0.0.2"),
		Commands: []string{"show version"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var devices int
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.BatchID != res.BatchID {
				t.Fatalf("event for unexpected batch %s", e.BatchID)
			}
			if !e.Final() {
				devices++
				continue
			}
			if devices != 2 {
				t.Errorf("got %d device events before the batch event, want 2", devices)
			}
			if e.Status != string(model.BatchCompleted) || e.CompletedDevices != 2 {
				t.Errorf("batch event = %+v", e)
			}
			return
		case <-timeout:
			t.Fatal("timed out waiting for batch event")
		}
	}
}

// panicSessions panics for one device and succeeds for the rest.
type panicSessions struct {
	bad      string
	released bool
}

func (p *panicSessions) Execute(_ context.Context, t device.Target, cmds []string) device.Result {
	if t.Address == p.bad {
		panic("driver bug")
	}
	var outs []model.CommandOutput
	for i, c := range cmds {
		outs = append(outs, model.CommandOutput{Command: c, Output: "ok", ExecutionOrder: i})
	}
	return device.Result{Status: device.StatusSuccess, Outputs: outs}
}

func (p *panicSessions) ReleaseAll() error {
	p.released = true
	return nil
}

func TestWorkerPanicIsDeviceError(t *testing.T) {
	ps := &panicSessions{bad: "10.0.0.2"}
	h := newHarnessWith(t, newScriptedTransport(), ps)

	id := h.precheck(t, "10.0.0.1", "10.0.0.2")

	b := h.batch(t, id)
	if b.Status != model.BatchPartial || b.CompletedDevices != 1 {
		t.Errorf("batch = %s %d, want partial 1", b.Status, b.CompletedDevices)
	}
	status, _ := h.o.GetBatchStatus(context.Background(), id)
	if !strings.Contains(status.Devices[1].Error, "panic: driver bug") {
		t.Errorf("device B error = %q", status.Devices[1].Error)
	}

	// The pool survived the panic.
	id2 := h.precheck(t, "10.0.0.1")
	if b := h.batch(t, id2); b.Status != model.BatchCompleted {
		t.Errorf("second batch = %s", b.Status)
	}
}

func TestClose(t *testing.T) {
	ps := &panicSessions{}
	h := newHarnessWith(t, newScriptedTransport(), ps)
	h.precheck(t, "10.0.0.1")

	if err := h.o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ps.released {
		t.Error("sessions not released on Close")
	}
	_, err := h.o.StartPrecheck(context.Background(), PrecheckRequest{
		Devices:  targets("10.0.0.1"),
		Commands: []string{"show version"},
	})
	if !errors.Is(err, util.ErrClosed) {
		t.Errorf("StartPrecheck after Close = %v, want ErrClosed", err)
	}
	if err := h.o.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without store should fail")
	}
	st, _ := store.New(":memory:")
	defer st.Close()
	if _, err := New(Options{Store: st}); err == nil {
		t.Error("New without sessions should fail")
	}
}

func TestBroker_SubscribeCancel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("b-1")
	other, cancelOther := b.Subscribe("b-2")
	defer cancelOther()

	b.Publish(Event{BatchID: "b-1", Kind: EventDevice})
	select {
	case e := <-ch:
		if e.BatchID != "b-1" {
			t.Errorf("BatchID = %q", e.BatchID)
		}
	default:
		t.Fatal("event not delivered")
	}
	select {
	case e := <-other:
		t.Errorf("b-2 subscriber got %+v", e)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	b.Publish(Event{BatchID: "b-1"})
}
