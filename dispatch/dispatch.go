// Package dispatch routes tasks to registered agents. It picks an agent by
// capability and load, hands the task over on the agent's channel and
// records the assignment on both the task and the agent.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/agent"
	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/task"
)

var (
	// ErrNoCandidates means no live agent matches the request.
	ErrNoCandidates = errors.New("no suitable agent")
	// ErrNoAgentAvailable means every matching agent was claimed by a
	// concurrent dispatch.
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrNotDispatchable is returned when an existing task is no longer
	// pending or is already waiting on a priority list.
	ErrNotDispatchable = errors.New("task cannot be dispatched")
)

// Tracker observes dispatched task execution. The monitor satisfies it.
type Tracker interface {
	TrackTaskStart(taskID, taskType, agentID string, createdAt time.Time)
	TrackTaskCompletion(taskID string, success bool, errMsg string)
	TrackTaskCancelled(taskID string)
}

// Request asks for a task to be run by an agent. When TaskID names an
// existing record that task is dispatched; otherwise a new task is built
// from the remaining fields.
type Request struct {
	TaskID       string            `json:"task_id,omitempty"`
	Name         string            `json:"name"`
	Type         string            `json:"task_type"`
	Payload      task.Value        `json:"payload"`
	Priority     task.Priority     `json:"priority"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty"`
	Capabilities []string          `json:"required_capabilities,omitempty"`
	AgentType    string            `json:"agent_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Assignment is the outcome of a successful dispatch.
type Assignment struct {
	TaskID       string      `json:"task_id"`
	AgentID      string      `json:"agent_id"`
	MessageID    string      `json:"message_id"`
	Status       task.Status `json:"status"`
	DispatchedAt time.Time   `json:"dispatched_at"`
}

// Dispatcher assigns tasks to agents.
//
// Selection and assignment are separate steps. Unless exclusive claiming
// is enabled, two concurrent dispatches can pick the same idle agent.
type Dispatcher struct {
	registry  *agent.Registry
	bus       *comms.Bus
	queue     *task.Queue
	tracker   Tracker
	exclusive bool
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracker reports dispatched starts and completions to t.
func WithTracker(t Tracker) Option {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithExclusiveClaim makes Dispatch claim the selected agent with a
// compare-and-swap from idle to running, falling through to the next
// candidate when another dispatch got there first.
func WithExclusiveClaim(on bool) Option {
	return func(d *Dispatcher) { d.exclusive = on }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New returns a Dispatcher.
func New(registry *agent.Registry, bus *comms.Bus, queue *task.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		bus:      bus,
		queue:    queue,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// FindCandidates returns the live agents able to run a task. With required
// capabilities an agent must declare all of them and, when agentType is
// set, have that type or the general type. Without capabilities the agent
// type must equal agentType or be general.
func (d *Dispatcher) FindCandidates(ctx context.Context, required []string, agentType string) []agent.Agent {
	var out []agent.Agent
	for _, a := range d.registry.List(ctx) {
		typeOK := agentType == "" || a.Type == agentType || a.Type == agent.GeneralType
		if len(required) > 0 {
			if a.HasCapabilities(required) && typeOK {
				out = append(out, a)
			}
			continue
		}
		if agentType != "" && typeOK {
			out = append(out, a)
		}
	}
	return out
}

// SelectBest picks the idle candidate with the fewest errors, or failing
// that the candidate with the fewest errors in any status. It returns nil
// for no candidates.
func SelectBest(candidates []agent.Agent) *agent.Agent {
	ranked := rank(candidates)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

// rank orders candidates by preference: idle before anything else, then
// by error count, then by id.
func rank(candidates []agent.Agent) []agent.Agent {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b agent.Agent) int {
		ai, bi := a.Status == agent.StatusIdle, b.Status == agent.StatusIdle
		if ai != bi {
			if ai {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.ErrorCount, b.ErrorCount); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Dispatch selects an agent for req and sends it the task. It returns
// ErrNoCandidates or ErrNoAgentAvailable when nothing can take the task;
// callers report both as service unavailable.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Assignment, error) {
	t, err := d.taskFor(ctx, req)
	if err != nil {
		return nil, err
	}
	log := d.logger.With().Str("task_id", t.ID).Str("task_type", t.Type).Logger()

	// Capabilities route on their own; the task type only stands in for
	// the agent type when nothing else narrows the choice.
	agentType := req.AgentType
	if agentType == "" && len(req.Capabilities) == 0 {
		agentType = t.Type
	}
	candidates := d.FindCandidates(ctx, req.Capabilities, agentType)
	if len(candidates) == 0 {
		log.Warn().Strs("capabilities", req.Capabilities).Str("agent_type", agentType).Msg("no suitable agent")
		return nil, ErrNoCandidates
	}

	target, err := d.pick(ctx, t.ID, candidates)
	if err != nil {
		log.Warn().Err(err).Msg("dispatch failed")
		return nil, err
	}
	log = log.With().Str("agent_id", target.ID).Logger()

	if err := d.queue.Put(ctx, t); err != nil {
		d.release(ctx, target.ID)
		return nil, fmt.Errorf("dispatch %s: %w", t.ID, err)
	}

	msg := comms.NewMessage(comms.TypeTask, t.ID)
	msg.Name = t.Name
	msg.TaskType = t.Type
	msg.Priority = t.Priority
	msg.Timeout = t.Timeout
	msg.Capabilities = req.Capabilities
	msg.Payload = t.Payload
	if _, err := d.bus.Send(ctx, target.ID, msg); err != nil {
		d.release(ctx, target.ID)
		return nil, fmt.Errorf("dispatch %s: %w", t.ID, err)
	}

	t.Status = task.StatusAssigned
	t.AssignedAgent = target.ID
	if err := d.queue.Save(ctx, t); err != nil {
		log.Warn().Err(err).Msg("record assignment failed")
	}
	if !d.exclusive {
		if err := d.registry.UpdateStatus(ctx, target.ID, agent.StatusRunning, t.ID); err != nil {
			log.Warn().Err(err).Msg("mark agent running failed")
		}
	}
	if d.tracker != nil {
		d.tracker.TrackTaskStart(t.ID, t.Type, target.ID, t.CreatedAt)
	}

	log.Info().Str("message_id", msg.ID).Msg("task dispatched")
	return &Assignment{
		TaskID:       t.ID,
		AgentID:      target.ID,
		MessageID:    msg.ID,
		Status:       task.StatusAssigned,
		DispatchedAt: d.now(),
	}, nil
}

func (d *Dispatcher) taskFor(ctx context.Context, req Request) (*task.Task, error) {
	if req.TaskID != "" {
		t, err := d.queue.Get(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return nil, fmt.Errorf("dispatch %s: %w", t.ID, task.ErrTerminal)
		}
		if t.Status != task.StatusPending {
			return nil, fmt.Errorf("dispatch %s: status %s: %w", t.ID, t.Status, ErrNotDispatchable)
		}
		queued, err := d.queue.Queued(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if queued {
			return nil, fmt.Errorf("dispatch %s: waiting for a scheduler worker: %w", t.ID, ErrNotDispatchable)
		}
		if len(req.Capabilities) > 0 {
			if t.Metadata == nil {
				t.Metadata = make(map[string]string)
			}
			t.Metadata["required_capabilities"] = strings.Join(req.Capabilities, ",")
		}
		return t, nil
	}
	name := req.Name
	if name == "" {
		name = req.Type
	}
	return task.New(task.Spec{
		Name:       name,
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		Timeout:    req.Timeout,
		MaxRetries: req.MaxRetries,
		Metadata:   req.Metadata,
	})
}

// pick returns the agent to use. In exclusive mode candidates are claimed
// in rank order until one succeeds.
func (d *Dispatcher) pick(ctx context.Context, taskID string, candidates []agent.Agent) (*agent.Agent, error) {
	if !d.exclusive {
		return SelectBest(candidates), nil
	}
	for _, a := range rank(candidates) {
		ok, err := d.registry.Claim(ctx, a.ID, taskID)
		if err != nil {
			d.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("claim failed")
			continue
		}
		if ok {
			return &a, nil
		}
	}
	return nil, ErrNoAgentAvailable
}

// release undoes an exclusive claim after a failed hand-off.
func (d *Dispatcher) release(ctx context.Context, agentID string) {
	if !d.exclusive {
		return
	}
	if err := d.registry.UpdateStatus(context.WithoutCancel(ctx), agentID, agent.StatusIdle, ""); err != nil {
		d.logger.Warn().Err(err).Str("agent_id", agentID).Msg("release agent failed")
	}
}

// ReportStarted records that agentID began executing taskID. It returns
// task.ErrTerminal when the task was cancelled or finished meanwhile.
func (d *Dispatcher) ReportStarted(ctx context.Context, taskID, agentID string) error {
	t, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("start %s: %w", taskID, task.ErrTerminal)
	}
	now := d.now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.AssignedAgent = agentID
	if err := d.queue.Save(ctx, t); err != nil {
		return err
	}
	if err := d.registry.UpdateStatus(ctx, agentID, agent.StatusRunning, taskID); err != nil {
		return err
	}
	d.logger.Debug().Str("task_id", taskID).Str("agent_id", agentID).Msg("task running")
	return nil
}

// SubmitResult stores the result reported by an agent, publishes it on the
// results stream and returns the agent to idle. A result for a task that
// already finished is dropped, but the agent is still freed.
func (d *Dispatcher) SubmitResult(ctx context.Context, taskID, agentID string, r task.Result) error {
	log := d.logger.With().Str("task_id", taskID).Str("agent_id", agentID).Logger()
	var errs []error

	msg := comms.NewMessage(comms.TypeResult, taskID)
	msg.AgentID = agentID
	msg.Result = &r
	if _, err := d.bus.PublishResult(ctx, msg); err != nil {
		errs = append(errs, err)
	}

	if _, err := d.queue.SetResult(ctx, taskID, r); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			log.Info().Msg("dropping result of finished task")
		} else {
			errs = append(errs, err)
		}
	}
	if err := d.registry.UpdateStatus(ctx, agentID, agent.StatusIdle, ""); err != nil {
		errs = append(errs, err)
	}
	if d.tracker != nil {
		d.tracker.TrackTaskCompletion(taskID, r.Success, r.Error)
	}
	log.Info().Bool("success", r.Success).Msg("result submitted")
	return errors.Join(errs...)
}

// Cancel marks the task cancelled and broadcasts a cancel notice to every
// live agent, since the owner is not always known. Agents drop a matching
// task if they still hold it; any agent recorded as running it is freed at
// once. It returns the number of notices sent.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (int, error) {
	live := d.registry.List(ctx)
	ids := make([]string, len(live))
	for i, a := range live {
		ids[i] = a.ID
	}
	sent, err := d.bus.Broadcast(ctx, ids, comms.NewMessage(comms.TypeCancel, taskID))

	cancelled, cerr := d.queue.Cancel(ctx, taskID)
	if cerr != nil && !errors.Is(cerr, task.ErrNotFound) {
		err = errors.Join(err, cerr)
	}
	if cancelled {
		for _, a := range d.registry.Snapshot(ctx) {
			if a.CurrentTask != taskID {
				continue
			}
			if _, rerr := d.registry.Release(ctx, a.ID, taskID); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		if d.tracker != nil {
			d.tracker.TrackTaskCancelled(taskID)
		}
	}
	d.logger.Info().Str("task_id", taskID).Int("notified", sent).Msg("task cancel broadcast")
	return sent, err
}

// HandleTimeout moves the agent running taskID to error and bumps its
// error count, and marks the task timed out. The task is not re-queued.
// It reports whether an agent was found.
func (d *Dispatcher) HandleTimeout(ctx context.Context, taskID string) (bool, error) {
	var errs []error
	matched := false
	for _, a := range d.registry.Snapshot(ctx) {
		if a.CurrentTask != taskID {
			continue
		}
		matched = true
		if err := d.registry.RecordError(ctx, a.ID); err != nil {
			errs = append(errs, err)
		}
		d.logger.Warn().Str("task_id", taskID).Str("agent_id", a.ID).Msg("agent timed out on task")
	}

	_, err := d.queue.Finish(ctx, taskID, task.StatusTimeout, task.Result{Error: "task exceeded its execution deadline"})
	if err != nil && !errors.Is(err, task.ErrNotFound) && !errors.Is(err, task.ErrTerminal) {
		errs = append(errs, err)
	}
	return matched, errors.Join(errs...)
}

// RestartAgent soft-resets an agent: idle, no task, zero errors. No
// process is relaunched.
func (d *Dispatcher) RestartAgent(ctx context.Context, agentID string) error {
	if err := d.registry.Reset(ctx, agentID); err != nil {
		return err
	}
	d.logger.Info().Str("agent_id", agentID).Msg("agent restarted")
	return nil
}
