package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/store"
	"github.com/GoCodeAlone/taskforge/task"
)

type execFunc func(ctx context.Context, taskType string, payload task.Value) (task.Value, error)

func (f execFunc) Execute(ctx context.Context, taskType string, payload task.Value) (task.Value, error) {
	return f(ctx, taskType, payload)
}

type recordingReporter struct {
	mu       sync.Mutex
	started  []string
	results  map[string]task.Result
	timeouts []string
	startErr error
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{results: make(map[string]task.Result)}
}

func (r *recordingReporter) ReportStarted(_ context.Context, taskID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, taskID)
	return nil
}

func (r *recordingReporter) SubmitResult(_ context.Context, taskID, _ string, res task.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[taskID] = res
	return nil
}

func (r *recordingReporter) HandleTimeout(_ context.Context, taskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, taskID)
	return true, nil
}

func (r *recordingReporter) result(taskID string) (task.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[taskID]
	return res, ok
}

func (r *recordingReporter) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *recordingReporter) timeoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeouts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type runtimeFixture struct {
	reg      *Registry
	bus      *comms.Bus
	reporter *recordingReporter
	rt       *Runtime
}

func newRuntimeFixture(t *testing.T, exec Executor) *runtimeFixture {
	t.Helper()
	m := store.NewMemory()
	t.Cleanup(func() { m.Close() })
	bus := comms.NewBus(m)
	f := &runtimeFixture{
		reg:      NewRegistry(m, bus),
		bus:      bus,
		reporter: newRecordingReporter(),
	}
	f.rt = NewRuntime(Config{
		ID:                "w1",
		Type:              GeneralType,
		Capabilities:      []string{"echo"},
		Bus:               bus,
		Registry:          f.reg,
		Executor:          exec,
		Reporter:          f.reporter,
		HeartbeatInterval: time.Hour,
		PollTimeout:       5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = f.rt.Stop(context.Background()) })
	return f
}

func (f *runtimeFixture) send(t *testing.T, typ comms.MessageType, taskID string, timeout time.Duration) {
	t.Helper()
	msg := comms.NewMessage(typ, taskID)
	msg.TaskType = "echo"
	msg.Payload = task.String(taskID)
	msg.Timeout = timeout
	if _, err := f.bus.Send(context.Background(), f.rt.ID(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func echoExec(_ context.Context, _ string, payload task.Value) (task.Value, error) {
	return payload, nil
}

func TestRuntime_StartStop(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	ctx := context.Background()

	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.rt.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}
	a, err := f.reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != StatusIdle || a.Type != GeneralType {
		t.Errorf("registered agent = %+v", a)
	}

	if err := f.rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	a, _ = f.reg.Get(ctx, "w1")
	if a.Status != StatusStopped {
		t.Errorf("status after Stop = %q, want stopped", a.Status)
	}
	if err := f.rt.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestRuntime_StartRequiresCollaborators(t *testing.T) {
	rt := NewRuntime(Config{ID: "w1", Type: GeneralType})
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("Start without bus and registry succeeded")
	}
}

func TestRuntime_ProcessTask(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.send(t, comms.TypeTask, "t1", 0)

	waitFor(t, "result", func() bool { _, ok := f.reporter.result("t1"); return ok })
	res, _ := f.reporter.result("t1")
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if s, _ := res.Value.AsString(); s != "t1" {
		t.Errorf("value = %v, want t1", res.Value)
	}
	if f.reporter.startedCount() != 1 {
		t.Errorf("started reports = %d, want 1", f.reporter.startedCount())
	}
	if cur := f.rt.CurrentTask(); cur != "" {
		t.Errorf("current task after finish = %q", cur)
	}
}

func TestRuntime_ExecutorError(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(func(context.Context, string, task.Value) (task.Value, error) {
		return task.Null(), errors.New("bad input")
	}))
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.send(t, comms.TypeTask, "t1", 0)

	waitFor(t, "result", func() bool { _, ok := f.reporter.result("t1"); return ok })
	res, _ := f.reporter.result("t1")
	if res.Success || res.Error != "bad input" {
		t.Errorf("result = %+v, want failure with error", res)
	}
}

func TestRuntime_Timeout(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(func(ctx context.Context, _ string, _ task.Value) (task.Value, error) {
		<-ctx.Done()
		return task.Null(), ctx.Err()
	}))
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.send(t, comms.TypeTask, "slow", 10*time.Millisecond)

	waitFor(t, "timeout report", func() bool { return f.reporter.timeoutCount() == 1 })
	if _, ok := f.reporter.result("slow"); ok {
		t.Error("timed out task submitted a result")
	}
}

func TestRuntime_CancelBeforeStart(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	f.send(t, comms.TypeCancel, "t1", 0)
	f.send(t, comms.TypeTask, "t1", 0)
	f.send(t, comms.TypeTask, "t2", 0)
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "t2 result", func() bool { _, ok := f.reporter.result("t2"); return ok })
	if _, ok := f.reporter.result("t1"); ok {
		t.Error("cancelled task produced a result")
	}
	if n := f.reporter.startedCount(); n != 1 {
		t.Errorf("started reports = %d, want 1", n)
	}
}

func TestRuntime_CancelInFlight(t *testing.T) {
	returned := make(chan error, 1)
	f := newRuntimeFixture(t, execFunc(func(ctx context.Context, _ string, _ task.Value) (task.Value, error) {
		<-ctx.Done()
		returned <- ctx.Err()
		return task.Null(), ctx.Err()
	}))
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.send(t, comms.TypeTask, "t1", 0)
	waitFor(t, "task start", func() bool { return f.rt.CurrentTask() == "t1" })

	f.send(t, comms.TypeCancel, "t1", 0)
	select {
	case err := <-returned:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("executor ctx err = %v, want canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor was not cancelled")
	}
	waitFor(t, "slot freed", func() bool { return f.rt.CurrentTask() == "" })
	if _, ok := f.reporter.result("t1"); ok {
		t.Error("cancelled task produced a result")
	}
	if f.reporter.timeoutCount() != 0 {
		t.Error("cancel reported as timeout")
	}
}

func (f *runtimeFixture) agentState(t *testing.T) (Status, string) {
	t.Helper()
	a, err := f.reg.Get(context.Background(), f.rt.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return a.Status, a.CurrentTask
}

func TestRuntime_CancelledAssignmentFreesAgent(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	ctx := context.Background()
	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.reg.UpdateStatus(ctx, "w1", StatusRunning, "t1"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	f.send(t, comms.TypeCancel, "t1", 0)
	waitFor(t, "cancel seen", func() bool { return f.rt.isCancelled("t1") })
	f.send(t, comms.TypeTask, "t1", 0)

	waitFor(t, "agent idle", func() bool {
		st, cur := f.agentState(t)
		return st == StatusIdle && cur == ""
	})
	if n := f.reporter.startedCount(); n != 0 {
		t.Errorf("started reports = %d, want 0", n)
	}
}

func TestRuntime_TerminalOnStartFreesAgent(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	f.reporter.startErr = fmt.Errorf("start t1: %w", task.ErrTerminal)
	ctx := context.Background()
	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.reg.UpdateStatus(ctx, "w1", StatusRunning, "t1"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	f.send(t, comms.TypeTask, "t1", 0)
	waitFor(t, "agent idle", func() bool {
		st, cur := f.agentState(t)
		return st == StatusIdle && cur == ""
	})
	if _, ok := f.reporter.result("t1"); ok {
		t.Error("finished task produced a result")
	}
}

func TestRegistry_ReleaseOnlyMatchingTask(t *testing.T) {
	f := newRuntimeFixture(t, execFunc(echoExec))
	ctx := context.Background()
	if _, err := f.reg.Register(ctx, Registration{ID: "w1", Type: GeneralType}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.reg.UpdateStatus(ctx, "w1", StatusRunning, "t2"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ok, err := f.reg.Release(ctx, "w1", "t1"); err != nil || ok {
		t.Errorf("Release(other task) = %v, %v; want false", ok, err)
	}
	if ok, err := f.reg.Release(ctx, "w1", "t2"); err != nil || !ok {
		t.Errorf("Release(own task) = %v, %v; want true", ok, err)
	}
	if st, _ := f.agentState(t); st != StatusIdle {
		t.Errorf("status = %s, want idle", st)
	}
}

func TestPool(t *testing.T) {
	m := store.NewMemory()
	t.Cleanup(func() { m.Close() })
	bus := comms.NewBus(m)
	reg := NewRegistry(m, bus)
	template := Config{
		Bus:               bus,
		Registry:          reg,
		Executor:          execFunc(echoExec),
		Reporter:          newRecordingReporter(),
		HeartbeatInterval: time.Hour,
		PollTimeout:       5 * time.Millisecond,
	}

	if _, err := NewPool(template, []Registration{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Error("duplicate ids accepted")
	}
	if _, err := NewPool(template, []Registration{{Type: "math"}}); err == nil {
		t.Error("empty id accepted")
	}

	p, err := NewPool(template, []Registration{
		{ID: "w2", Type: "math", Capabilities: []string{"add"}},
		{ID: "w1"},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.IDs(); len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Errorf("IDs = %v", got)
	}
	if live := reg.List(ctx); len(live) != 2 {
		t.Errorf("live agents = %d, want 2", len(live))
	}
	w1, _ := reg.Get(ctx, "w1")
	if w1.Type != GeneralType {
		t.Errorf("w1 type = %q, want general", w1.Type)
	}
	w2, _ := reg.Get(ctx, "w2")
	if !w2.HasCapabilities([]string{"add"}) {
		t.Errorf("w2 capabilities = %v", w2.Capabilities)
	}
	if _, ok := p.Get("w2"); !ok {
		t.Error("Get(w2) missing")
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, id := range []string{"w1", "w2"} {
		a, _ := reg.Get(ctx, id)
		if a.Status != StatusStopped {
			t.Errorf("%s status = %q, want stopped", id, a.Status)
		}
	}
}
