package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	t.Cleanup(func() { m.Close() })
	return NewRegistry(m, comms.NewBus(m), opts...), m
}

func TestRegistry_Register(t *testing.T) {
	reg, mem := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Register(ctx, Registration{ID: "a1", Type: "math", Capabilities: []string{"add"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Status != StatusIdle || a.ErrorCount != 0 || a.CurrentTask != "" {
		t.Errorf("registered agent = %+v", a)
	}
	members, _ := mem.SetMembers(ctx, "agents")
	if len(members) != 1 || members[0] != "a1" {
		t.Errorf("agents index = %v", members)
	}
	if _, ok, _ := mem.GetValue(ctx, "agent_status:a1"); !ok {
		t.Error("agent record not stored")
	}
	// channel is provisioned
	if _, err := comms.NewBus(mem).Receive(ctx, "a1", "a1", 1, 0); err != nil {
		t.Errorf("agent channel not provisioned: %v", err)
	}

	if _, err := reg.Register(ctx, Registration{ID: "", Type: "math"}); err == nil {
		t.Error("Register without id succeeded")
	}
	if _, err := reg.Register(ctx, Registration{ID: "a2"}); err == nil {
		t.Error("Register without type succeeded")
	}
}

func TestRegistry_ReregisterResets(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})
	_ = reg.RecordError(ctx, "a1")

	a, err := reg.Register(ctx, Registration{ID: "a1", Type: "text"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Type != "text" || a.ErrorCount != 0 || a.Status != StatusIdle {
		t.Errorf("re-registered agent = %+v", a)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	reg, mem := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})

	ok, err := reg.Unregister(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("Unregister = %v, %v", ok, err)
	}
	ok, err = reg.Unregister(ctx, "a1")
	if err != nil || ok {
		t.Errorf("second Unregister = %v, %v; want false", ok, err)
	}
	if members, _ := mem.SetMembers(ctx, "agents"); len(members) != 0 {
		t.Errorf("agents index = %v", members)
	}
	if _, err := reg.Get(ctx, "a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Get after unregister: %v", err)
	}
}

func TestRegistry_UpdateStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})

	if err := reg.UpdateStatus(ctx, "a1", StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("running without task: %v", err)
	}
	if err := reg.UpdateStatus(ctx, "a1", Status("bogus"), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown status: %v", err)
	}
	if err := reg.UpdateStatus(ctx, "a1", StatusRunning, "t1"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	a, _ := reg.Get(ctx, "a1")
	if a.Status != StatusRunning || a.CurrentTask != "t1" {
		t.Errorf("agent = %+v", a)
	}
	if err := reg.UpdateStatus(ctx, "a1", StatusIdle, "t1"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	a, _ = reg.Get(ctx, "a1")
	if a.CurrentTask != "" {
		t.Errorf("idle agent kept task %q", a.CurrentTask)
	}
	if err := reg.UpdateStatus(ctx, "ghost", StatusIdle, ""); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("UpdateStatus unknown agent: %v", err)
	}
}

func TestRegistry_RecordErrorAndReset(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})
	_ = reg.UpdateStatus(ctx, "a1", StatusRunning, "t1")

	_ = reg.RecordError(ctx, "a1")
	_ = reg.RecordError(ctx, "a1")
	a, _ := reg.Get(ctx, "a1")
	if a.Status != StatusError || a.ErrorCount != 2 || a.CurrentTask != "" {
		t.Errorf("after errors = %+v", a)
	}
	_ = reg.Reset(ctx, "a1")
	a, _ = reg.Get(ctx, "a1")
	if a.Status != StatusIdle || a.ErrorCount != 0 {
		t.Errorf("after reset = %+v", a)
	}
}

func TestRegistry_Claim(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := reg.Claim(ctx, "a1", "t"+string(rune('0'+i)))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("claims won = %d, want 1", wins)
	}
}

func TestRegistry_ListLiveness(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg, _ := newTestRegistry(t, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = reg.Register(ctx, Registration{ID: "b", Type: "math"})
	_, _ = reg.Register(ctx, Registration{ID: "a", Type: "math"})
	clock.Advance(4 * time.Minute)
	_ = reg.Heartbeat(ctx, "a")
	clock.Advance(2 * time.Minute)

	live := reg.List(ctx)
	if len(live) != 1 || live[0].ID != "a" {
		t.Errorf("List = %+v, want only a", live)
	}
	all := reg.Snapshot(ctx)
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("Snapshot = %+v", all)
	}
	// stale agents are still addressable
	if _, err := reg.Get(ctx, "b"); err != nil {
		t.Errorf("Get stale agent: %v", err)
	}
}

func TestRegistry_Restore(t *testing.T) {
	reg, mem := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})
	_, _ = reg.Register(ctx, Registration{ID: "a2", Type: "text"})
	_ = reg.UpdateStatus(ctx, "a2", StatusRunning, "t7")
	_ = mem.Delete(ctx, "agent_status:a1")

	fresh := NewRegistry(mem, comms.NewBus(mem))
	n, err := fresh.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d agents, want 1", n)
	}
	a, err := fresh.Get(ctx, "a2")
	if err != nil || a.CurrentTask != "t7" {
		t.Errorf("restored a2 = %+v, %v", a, err)
	}
	if members, _ := mem.SetMembers(ctx, "agents"); len(members) != 1 {
		t.Errorf("index after restore = %v", members)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	added []string
	gone  []string
}

func (o *recordingObserver) AgentRegistered(a Agent) {
	o.mu.Lock()
	o.added = append(o.added, a.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) AgentUnregistered(id string) {
	o.mu.Lock()
	o.gone = append(o.gone, id)
	o.mu.Unlock()
}

func TestRegistry_Observer(t *testing.T) {
	obs := &recordingObserver{}
	reg, _ := newTestRegistry(t, WithObserver(obs))
	ctx := context.Background()
	_, _ = reg.Register(ctx, Registration{ID: "a1", Type: "math"})
	_, _ = reg.Unregister(ctx, "a1")
	if len(obs.added) != 1 || len(obs.gone) != 1 {
		t.Errorf("observer saw added=%v gone=%v", obs.added, obs.gone)
	}
}
