// Package monitor observes the scheduler, dispatcher and agents. It keeps
// per-task performance records, samples host and queue metrics, and on a
// fixed interval forces timeouts on stuck tasks and restarts agents that
// stopped sending heartbeats.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/agent"
	"github.com/GoCodeAlone/taskforge/task"
)

// EventType classifies monitor events.
type EventType string

const (
	EventTaskCreated            EventType = "task_created"
	EventTaskStarted            EventType = "task_started"
	EventTaskCompleted          EventType = "task_completed"
	EventTaskFailed             EventType = "task_failed"
	EventTaskTimeout            EventType = "task_timeout"
	EventAgentRegistered        EventType = "agent_registered"
	EventAgentUnregistered      EventType = "agent_unregistered"
	EventAgentError             EventType = "agent_error"
	EventSystemHealthCheck      EventType = "system_health_check"
	EventResourceWarning        EventType = "resource_warning"
	EventPerformanceDegradation EventType = "performance_degradation"
)

// Level is the severity of an event. Anything above info is an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Health is the derived system health.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthError    Health = "error"
	HealthCritical Health = "critical"
)

// Event is an immutable monitor record.
type Event struct {
	Type    EventType      `json:"event_type"`
	Level   Level          `json:"level"`
	Time    time.Time      `json:"timestamp"`
	Message string         `json:"message"`
	TaskID  string         `json:"task_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Source  string         `json:"source"`
}

// Task metric statuses.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimedOut  = "timeout"
	TaskCancelled = "cancelled"
)

// TaskMetrics is the performance record of one task. It is bookkeeping
// only; the task queue holds the authoritative status.
type TaskMetrics struct {
	TaskID        string     `json:"task_id"`
	TaskType      string     `json:"task_type"`
	AgentID       string     `json:"agent_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ExecutionTime float64    `json:"execution_time,omitempty"` // seconds
	WaitTime      float64    `json:"wait_time"`                // seconds from creation to start
	Status        string     `json:"status"`
	Error         string     `json:"error_message,omitempty"`
}

// Sample is one point of the system metrics history.
type Sample struct {
	Time time.Time `json:"timestamp"`
	Resources
	QueueSize    int64 `json:"queue_size"`
	ActiveAgents int   `json:"active_agents"`
	RunningTasks int   `json:"running_tasks"`
}

// Agents is the registry view the monitor needs.
type Agents interface {
	List(ctx context.Context) []agent.Agent
	Snapshot(ctx context.Context) []agent.Agent
}

// Control applies corrective actions. The dispatcher satisfies it.
type Control interface {
	HandleTimeout(ctx context.Context, taskID string) (bool, error)
	RestartAgent(ctx context.Context, agentID string) error
}

// QueueStats reports queue depth per priority. *task.Queue satisfies it.
type QueueStats interface {
	Stats(ctx context.Context) (map[task.Priority]int64, error)
}

// Defaults for a Monitor.
const (
	DefaultInterval         = 30 * time.Second
	DefaultTaskCeiling      = time.Hour
	DefaultHeartbeatTimeout = 10 * time.Minute
	DefaultMaxHistory       = 1000
	DefaultMaxAlerts        = 100

	cpuThreshold  = 90.0
	memThreshold  = 90.0
	diskThreshold = 95.0
	source        = "task_monitor"
)

// Monitor is safe for concurrent use.
type Monitor struct {
	agents   Agents
	control  Control
	queue    QueueStats
	metrics  MetricsSource
	exporter *Exporter
	hook     func(Event)
	logger   zerolog.Logger
	now      func() time.Time

	interval         time.Duration
	taskCeiling      time.Duration
	heartbeatTimeout time.Duration
	maxHistory       int
	maxAlerts        int

	mu      sync.RWMutex
	tasks   map[string]*TaskMetrics
	history []Sample
	events  []Event
	alerts  []Event

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

// WithTaskCeiling sets how long a tracked task may run before the monitor
// forces a timeout.
func WithTaskCeiling(d time.Duration) Option { return func(m *Monitor) { m.taskCeiling = d } }

// WithHeartbeatTimeout sets the heartbeat age after which an agent is
// considered unresponsive.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.heartbeatTimeout = d }
}

// WithMetricsSource sets the host metrics collector. Without one, samples
// carry zero resource usage.
func WithMetricsSource(s MetricsSource) Option { return func(m *Monitor) { m.metrics = s } }

// WithExporter publishes samples and events as Prometheus metrics.
func WithExporter(e *Exporter) Option { return func(m *Monitor) { m.exporter = e } }

// WithHistoryLimits caps the event log and metrics history at history
// entries and the alert list at alerts entries.
func WithHistoryLimits(history, alerts int) Option {
	return func(m *Monitor) {
		m.maxHistory = history
		m.maxAlerts = alerts
	}
}

// WithEventHook calls fn with every recorded event, outside the monitor's
// lock. fn must not block.
func WithEventHook(fn func(Event)) Option { return func(m *Monitor) { m.hook = fn } }

func WithLogger(l zerolog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New returns a Monitor. Any collaborator may be nil; the checks that need
// it are skipped.
func New(agents Agents, control Control, queue QueueStats, opts ...Option) *Monitor {
	m := &Monitor{
		agents:           agents,
		control:          control,
		queue:            queue,
		logger:           zerolog.Nop(),
		now:              func() time.Time { return time.Now().UTC() },
		interval:         DefaultInterval,
		taskCeiling:      DefaultTaskCeiling,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		maxHistory:       DefaultMaxHistory,
		maxAlerts:        DefaultMaxAlerts,
		tasks:            make(map[string]*TaskMetrics),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetControl wires the corrective-action target after construction, for
// the dispatcher which itself reports to the monitor.
func (m *Monitor) SetControl(c Control) {
	m.mu.Lock()
	m.control = c
	m.mu.Unlock()
}

func (m *Monitor) controller() Control {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.control
}

// Start runs RunOnce immediately and then every interval until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("monitor already running")
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	m.logger.Info().Dur("interval", m.interval).Msg("monitoring started")
	return nil
}

// Stop ends the loop and waits for the current pass to finish.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.logger.Info().Msg("monitoring stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one reconciliation pass: sample metrics, time out stuck
// tasks, restart unresponsive agents and raise resource alerts.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.collect(ctx)
	m.checkTaskTimeouts(ctx)
	m.checkAgents(ctx)
	m.checkResources()
}

func (m *Monitor) collect(ctx context.Context) {
	s := Sample{Time: m.now()}
	if m.metrics != nil {
		res, err := m.metrics.Collect(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("collect system metrics failed")
		}
		s.Resources = res
	}
	var depth map[task.Priority]int64
	if m.queue != nil {
		var err error
		if depth, err = m.queue.Stats(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("queue stats failed")
		}
		for _, n := range depth {
			s.QueueSize += n
		}
	}
	if m.agents != nil {
		s.ActiveAgents = len(m.agents.List(ctx))
	}

	m.mu.Lock()
	for _, tm := range m.tasks {
		if tm.Status == TaskRunning {
			s.RunningTasks++
		}
	}
	m.history = appendCapped(m.history, s, m.maxHistory)
	m.mu.Unlock()

	if m.exporter != nil {
		m.exporter.observeSample(s, depth)
	}
}

func (m *Monitor) checkTaskTimeouts(ctx context.Context) {
	now := m.now()
	var stuck []string
	m.mu.RLock()
	for id, tm := range m.tasks {
		if tm.Status == TaskRunning && now.Sub(tm.StartTime) > m.taskCeiling {
			stuck = append(stuck, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stuck)

	for _, id := range stuck {
		m.handleTaskTimeout(ctx, id)
	}
}

func (m *Monitor) handleTaskTimeout(ctx context.Context, taskID string) {
	now := m.now()
	m.mu.Lock()
	tm, ok := m.tasks[taskID]
	if !ok || tm.Status != TaskRunning {
		m.mu.Unlock()
		return
	}
	tm.Status = TaskTimedOut
	tm.EndTime = &now
	tm.ExecutionTime = now.Sub(tm.StartTime).Seconds()
	snapshot := *tm
	m.mu.Unlock()

	m.record(Event{
		Type:    EventTaskTimeout,
		Level:   LevelWarning,
		Message: fmt.Sprintf("Task %s timed out", taskID),
		TaskID:  taskID,
		AgentID: snapshot.AgentID,
		Details: map[string]any{
			"execution_time": snapshot.ExecutionTime,
			"task_type":      snapshot.TaskType,
			"agent_id":       snapshot.AgentID,
		},
	})

	if c := m.controller(); c != nil {
		if _, err := c.HandleTimeout(ctx, taskID); err != nil {
			m.logger.Error().Err(err).Str("task_id", taskID).Msg("handle task timeout failed")
		}
	}
	m.logger.Warn().Str("task_id", taskID).Float64("execution_time", snapshot.ExecutionTime).Msg("task timed out")
}

// checkAgents restarts agents whose heartbeat is older than the heartbeat
// timeout. It looks at every known agent, not just live ones, since the
// liveness window is shorter than the timeout. Stopped agents are left
// alone.
func (m *Monitor) checkAgents(ctx context.Context) {
	if m.agents == nil {
		return
	}
	now := m.now()
	for _, a := range m.agents.Snapshot(ctx) {
		if a.Status == agent.StatusStopped || now.Sub(a.LastHeartbeat) <= m.heartbeatTimeout {
			continue
		}
		m.handleAgentUnresponsive(ctx, a.ID)
	}
}

func (m *Monitor) handleAgentUnresponsive(ctx context.Context, agentID string) {
	m.record(Event{
		Type:    EventAgentError,
		Level:   LevelError,
		Message: fmt.Sprintf("Agent %s is unresponsive", agentID),
		AgentID: agentID,
		Details: map[string]any{"agent_id": agentID, "reason": "no_heartbeat"},
	})
	if c := m.controller(); c != nil {
		if err := c.RestartAgent(ctx, agentID); err != nil {
			m.logger.Error().Err(err).Str("agent_id", agentID).Msg("restart agent failed")
			return
		}
	}
	m.logger.Warn().Str("agent_id", agentID).Msg("agent unresponsive, restarted")
}

func (m *Monitor) checkResources() {
	latest, ok := m.latest()
	if !ok {
		return
	}
	if latest.CPU > cpuThreshold {
		m.record(Event{
			Type:    EventResourceWarning,
			Level:   LevelWarning,
			Message: fmt.Sprintf("High CPU usage: %.1f%%", latest.CPU),
			Details: map[string]any{"cpu_usage": latest.CPU},
		})
	}
	if latest.Memory > memThreshold {
		m.record(Event{
			Type:    EventResourceWarning,
			Level:   LevelWarning,
			Message: fmt.Sprintf("High memory usage: %.1f%%", latest.Memory),
			Details: map[string]any{"memory_usage": latest.Memory},
		})
	}
	if latest.Disk > diskThreshold {
		m.record(Event{
			Type:    EventResourceWarning,
			Level:   LevelCritical,
			Message: fmt.Sprintf("High disk usage: %.1f%%", latest.Disk),
			Details: map[string]any{"disk_usage": latest.Disk},
		})
	}
}

func (m *Monitor) latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// TrackTaskStart opens a performance record for a task. Wait time is
// measured from createdAt when it is set.
func (m *Monitor) TrackTaskStart(taskID, taskType, agentID string, createdAt time.Time) {
	now := m.now()
	var wait float64
	if !createdAt.IsZero() && now.After(createdAt) {
		wait = now.Sub(createdAt).Seconds()
	}
	m.mu.Lock()
	m.tasks[taskID] = &TaskMetrics{
		TaskID:    taskID,
		TaskType:  taskType,
		AgentID:   agentID,
		StartTime: now,
		WaitTime:  wait,
		Status:    TaskRunning,
	}
	m.mu.Unlock()

	msg := fmt.Sprintf("Task %s started", taskID)
	if agentID != "" {
		msg += " on agent " + agentID
	}
	m.record(Event{
		Type:    EventTaskStarted,
		Level:   LevelInfo,
		Message: msg,
		TaskID:  taskID,
		AgentID: agentID,
		Details: map[string]any{"task_type": taskType, "agent_id": agentID, "wait_time": wait},
	})
}

// TrackTaskCancelled closes the record of a running task that was
// cancelled. No event is raised; the record stays out of the success rate.
func (m *Monitor) TrackTaskCancelled(taskID string) {
	now := m.now()
	m.mu.Lock()
	tm, ok := m.tasks[taskID]
	if !ok || tm.Status != TaskRunning {
		m.mu.Unlock()
		return
	}
	tm.EndTime = &now
	tm.ExecutionTime = now.Sub(tm.StartTime).Seconds()
	tm.Status = TaskCancelled
	snapshot := *tm
	m.mu.Unlock()

	m.logger.Info().Str("task_id", taskID).Str("agent_id", snapshot.AgentID).Msg("tracked task cancelled")
	if m.exporter != nil {
		m.exporter.observeTask(snapshot)
	}
}

// TrackTaskCompletion closes the performance record of a task. Unknown
// and already closed records are ignored.
func (m *Monitor) TrackTaskCompletion(taskID string, success bool, errMsg string) {
	now := m.now()
	m.mu.Lock()
	tm, ok := m.tasks[taskID]
	if !ok || tm.Status != TaskRunning {
		m.mu.Unlock()
		m.logger.Debug().Str("task_id", taskID).Msg("completion for untracked task")
		return
	}
	tm.EndTime = &now
	tm.ExecutionTime = now.Sub(tm.StartTime).Seconds()
	tm.Status = TaskCompleted
	if !success {
		tm.Status = TaskFailed
	}
	tm.Error = errMsg
	snapshot := *tm
	m.mu.Unlock()

	ev := Event{
		Type:    EventTaskCompleted,
		Level:   LevelInfo,
		Message: fmt.Sprintf("Task %s completed in %.2fs", taskID, snapshot.ExecutionTime),
		TaskID:  taskID,
		AgentID: snapshot.AgentID,
		Details: map[string]any{
			"execution_time": snapshot.ExecutionTime,
			"task_type":      snapshot.TaskType,
			"agent_id":       snapshot.AgentID,
		},
	}
	if !success {
		ev.Type = EventTaskFailed
		ev.Level = LevelError
		ev.Message = fmt.Sprintf("Task %s failed in %.2fs", taskID, snapshot.ExecutionTime)
	}
	m.record(ev)
	if m.exporter != nil {
		m.exporter.observeTask(snapshot)
	}
}

// AgentRegistered implements agent.Observer.
func (m *Monitor) AgentRegistered(a agent.Agent) {
	m.record(Event{
		Type:    EventAgentRegistered,
		Level:   LevelInfo,
		Message: fmt.Sprintf("Agent %s registered", a.ID),
		AgentID: a.ID,
		Details: map[string]any{"agent_type": a.Type, "capabilities": a.Capabilities},
	})
}

// AgentUnregistered implements agent.Observer.
func (m *Monitor) AgentUnregistered(id string) {
	m.record(Event{
		Type:    EventAgentUnregistered,
		Level:   LevelInfo,
		Message: fmt.Sprintf("Agent %s unregistered", id),
		AgentID: id,
	})
}

// Record appends an event from outside the monitor, e.g. task creation.
func (m *Monitor) Record(typ EventType, level Level, message string, details map[string]any) {
	m.record(Event{Type: typ, Level: level, Message: message, Details: details})
}

func (m *Monitor) record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	if ev.Source == "" {
		ev.Source = source
	}
	m.mu.Lock()
	m.events = appendCapped(m.events, ev, m.maxHistory)
	if ev.Level != LevelInfo {
		m.alerts = appendCapped(m.alerts, ev, m.maxAlerts)
	}
	m.mu.Unlock()
	if m.exporter != nil {
		m.exporter.observeEvent(ev)
	}
	if m.hook != nil {
		m.hook(ev)
	}
}

// appendCapped appends v and drops the oldest entries beyond limit.
func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if limit > 0 && len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
