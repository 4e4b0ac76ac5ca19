package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/store"
)

const (
	recordPrefix = "agent_status:"
	indexKey     = "agents"

	// DefaultLivenessWindow is how recent a heartbeat must be for List.
	DefaultLivenessWindow = 5 * time.Minute
	// DefaultRecordTTL is the expiry of agent records in the store.
	DefaultRecordTTL = 300 * time.Second
)

// Observer is told about registrations, e.g. to log monitor events.
type Observer interface {
	AgentRegistered(a Agent)
	AgentUnregistered(id string)
}

// Registry tracks known agents in memory and mirrors every record to the
// store. Individual operations are safe for concurrent use; callers that
// read, decide and then update are not protected against interleaving.
type Registry struct {
	kv       store.Store
	bus      *comms.Bus
	liveness time.Duration
	ttl      time.Duration
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	agents map[string]*Agent
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLivenessWindow sets the heartbeat window used by List.
func WithLivenessWindow(d time.Duration) RegistryOption {
	return func(r *Registry) { r.liveness = d }
}

// WithRecordTTL sets the store expiry of agent records.
func WithRecordTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = d }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry. bus provisions agent channels.
func NewRegistry(kv store.Store, bus *comms.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		kv:       kv,
		bus:      bus,
		liveness: DefaultLivenessWindow,
		ttl:      DefaultRecordTTL,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		agents:   make(map[string]*Agent),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func recordKey(id string) string { return recordPrefix + id }

// SetObserver replaces the observer, for observers built after the
// registry they watch.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Register creates or replaces the record of an agent as idle with no
// errors and provisions its dispatch channel.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Agent, error) {
	if strings.TrimSpace(reg.ID) == "" {
		return nil, fmt.Errorf("register agent: id required")
	}
	if strings.TrimSpace(reg.Type) == "" {
		return nil, fmt.Errorf("register agent %s: type required", reg.ID)
	}
	now := r.now()
	a := &Agent{
		ID:            reg.ID,
		Type:          reg.Type,
		Capabilities:  append([]string(nil), reg.Capabilities...),
		Endpoint:      reg.Endpoint,
		Status:        StatusIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	if r.bus != nil {
		if err := r.bus.Open(ctx, reg.ID); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", reg.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.save(ctx, a); err != nil {
		return nil, err
	}
	if err := r.kv.SetAdd(ctx, indexKey, a.ID); err != nil {
		return nil, fmt.Errorf("index agent %s: %w", a.ID, err)
	}
	r.agents[a.ID] = a
	r.logger.Info().Str("agent_id", a.ID).Str("agent_type", a.Type).Strs("capabilities", a.Capabilities).Msg("agent registered")
	if r.observer != nil {
		r.observer.AgentRegistered(*a.clone())
	}
	return a.clone(), nil
}

// Unregister removes an agent. It returns false when the agent is unknown.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.agents[id]
	if !known {
		if _, ok, err := r.kv.GetValue(ctx, recordKey(id)); err != nil {
			return false, fmt.Errorf("unregister agent %s: %w", id, err)
		} else if !ok {
			return false, nil
		}
	}
	if err := r.kv.Delete(ctx, recordKey(id)); err != nil {
		return false, fmt.Errorf("unregister agent %s: %w", id, err)
	}
	if err := r.kv.SetRemove(ctx, indexKey, id); err != nil {
		return false, fmt.Errorf("unregister agent %s: %w", id, err)
	}
	delete(r.agents, id)
	r.logger.Info().Str("agent_id", id).Msg("agent unregistered")
	if r.observer != nil {
		r.observer.AgentUnregistered(id)
	}
	return true, nil
}

// UpdateStatus sets the status of an agent and refreshes its heartbeat.
// Running requires a current task; every other status clears it.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status, currentTask string) error {
	if !status.Valid() {
		return fmt.Errorf("agent %s: unknown status %q: %w", id, status, ErrInvalidTransition)
	}
	if status == StatusRunning && currentTask == "" {
		return fmt.Errorf("agent %s: running without a task: %w", id, ErrInvalidTransition)
	}
	return r.mutate(ctx, id, func(a *Agent) {
		a.Status = status
		a.CurrentTask = ""
		if status == StatusRunning {
			a.CurrentTask = currentTask
		}
		a.LastHeartbeat = r.now()
	})
}

// Heartbeat refreshes the heartbeat of an agent without touching status.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(a *Agent) { a.LastHeartbeat = r.now() })
}

// RecordError moves an agent to error, clears its task and increments its
// error count.
func (r *Registry) RecordError(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(a *Agent) {
		a.Status = StatusError
		a.CurrentTask = ""
		a.ErrorCount++
		a.LastHeartbeat = r.now()
	})
}

// Reset returns an agent to idle with no task and a zero error count.
func (r *Registry) Reset(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(a *Agent) {
		a.Status = StatusIdle
		a.CurrentTask = ""
		a.ErrorCount = 0
		a.LastHeartbeat = r.now()
	})
}

// Claim atomically moves an idle agent to running with taskID. It returns
// false when the agent is no longer idle. Only this process is covered.
func (r *Registry) Claim(ctx context.Context, id, taskID string) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("agent %s: running without a task: %w", id, ErrInvalidTransition)
	}
	claimed := false
	err := r.mutate(ctx, id, func(a *Agent) {
		if a.Status != StatusIdle {
			return
		}
		a.Status = StatusRunning
		a.CurrentTask = taskID
		a.LastHeartbeat = r.now()
		claimed = true
	})
	return claimed, err
}

// Release returns an agent to idle if it is still holding taskID. It
// reports whether the agent was released.
func (r *Registry) Release(ctx context.Context, id, taskID string) (bool, error) {
	released := false
	err := r.mutate(ctx, id, func(a *Agent) {
		if a.CurrentTask != taskID || a.Status != StatusRunning {
			return
		}
		a.Status = StatusIdle
		a.CurrentTask = ""
		a.LastHeartbeat = r.now()
		released = true
	})
	return released, err
}

// mutate applies fn to the agent under the write lock and persists it.
func (r *Registry) mutate(ctx context.Context, id string, fn func(a *Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	next := a.clone()
	fn(next)
	if err := r.save(ctx, next); err != nil {
		return err
	}
	r.agents[id] = next
	return nil
}

// load returns the in-memory record, falling back to the store. Caller
// holds mu.
func (r *Registry) load(ctx context.Context, id string) (*Agent, error) {
	if a, ok := r.agents[id]; ok {
		return a, nil
	}
	raw, ok, err := r.kv.GetValue(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &a, nil
}

func (r *Registry) save(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", a.ID, err)
	}
	if err := r.kv.SetValue(ctx, recordKey(a.ID), string(data), r.ttl); err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// Get returns the record of an agent regardless of liveness.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// List returns agents whose last heartbeat falls inside the liveness
// window, ordered by id. Older records are kept but not listed.
func (r *Registry) List(ctx context.Context) []Agent {
	cutoff := r.now().Add(-r.liveness)
	var out []Agent
	for _, a := range r.Snapshot(ctx) {
		if !a.LastHeartbeat.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns every known agent, live or not, ordered by id.
func (r *Registry) Snapshot(_ context.Context) []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads every indexed agent record from the store into memory and
// drops index entries whose record has expired. It returns the number of
// agents loaded.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.kv.SetMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("restore agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		delete(r.agents, id)
		a, err := r.load(ctx, id)
		if errors.Is(err, ErrAgentNotFound) {
			_ = r.kv.SetRemove(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return n, err
		}
		r.agents[id] = a
		n++
	}
	r.logger.Info().Int("agents", n).Msg("agents restored")
	return n, nil
}
