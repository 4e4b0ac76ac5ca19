package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/task"
)

// Executor runs a task body. The scheduler's handler table satisfies it.
type Executor interface {
	Execute(ctx context.Context, taskType string, payload task.Value) (task.Value, error)
}

// Reporter receives lifecycle reports from a runtime. The dispatcher
// satisfies it.
type Reporter interface {
	ReportStarted(ctx context.Context, taskID, agentID string) error
	SubmitResult(ctx context.Context, taskID, agentID string, r task.Result) error
	HandleTimeout(ctx context.Context, taskID string) (bool, error)
}

// Config holds the settings of one in-process agent.
type Config struct {
	ID           string
	Type         string
	Capabilities []string
	Endpoint     string

	Bus      *comms.Bus
	Registry *Registry
	Executor Executor
	Reporter Reporter

	HeartbeatInterval time.Duration // default 30s
	PollTimeout       time.Duration // default 1s
	DefaultTimeout    time.Duration // used when a message has no timeout; default 300s
	Logger            zerolog.Logger
}

// Runtime is an in-process agent: it registers itself, reads its channel,
// executes assigned tasks one at a time and reports results.
type Runtime struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	curTask   string
	curCancel context.CancelFunc
	cancelled map[string]struct{}
	done      sync.WaitGroup

	taskQueue chan comms.Delivery
}

// NewRuntime creates a runtime from cfg.
func NewRuntime(cfg Config) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	return &Runtime{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("agent_id", cfg.ID).Logger(),
		cancelled: make(map[string]struct{}),
		taskQueue: make(chan comms.Delivery, 64),
	}
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.cfg.ID }

// CurrentTask returns the id of the task being executed, if any.
func (r *Runtime) CurrentTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curTask
}

// Start registers the agent and begins its loops.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already running", r.cfg.ID)
	}
	if r.cfg.Bus == nil || r.cfg.Registry == nil || r.cfg.Executor == nil || r.cfg.Reporter == nil {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: bus, registry, executor and reporter are required", r.cfg.ID)
	}
	r.running = true
	r.mu.Unlock()

	if _, err := r.cfg.Registry.Register(ctx, Registration{
		ID:           r.cfg.ID,
		Type:         r.cfg.Type,
		Capabilities: r.cfg.Capabilities,
		Endpoint:     r.cfg.Endpoint,
	}); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.done.Add(3)
	go r.readLoop(loopCtx)
	go r.execLoop(loopCtx)
	go r.heartbeatLoop(loopCtx)
	r.log.Info().Msg("agent started")
	return nil
}

// Stop cancels the loops, waits for them and marks the agent stopped. A
// task in flight is abandoned without a result.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.done.Wait()
	if err := r.cfg.Registry.UpdateStatus(ctx, r.cfg.ID, StatusStopped, ""); err != nil && !errors.Is(err, ErrAgentNotFound) {
		return err
	}
	r.log.Info().Msg("agent stopped")
	return nil
}

// readLoop pulls deliveries from the channel. Cancel notices act at once;
// task assignments are handed to execLoop in order.
func (r *Runtime) readLoop(ctx context.Context) {
	defer r.done.Done()
	for ctx.Err() == nil {
		ds, err := r.cfg.Bus.Receive(ctx, r.cfg.ID, r.cfg.ID, 10, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Msg("receive failed")
			sleepCtx(ctx, r.cfg.PollTimeout)
			continue
		}
		for _, d := range ds {
			switch d.Message.Type {
			case comms.TypeCancel:
				r.cancelTask(d.Message.TaskID)
				_ = r.cfg.Bus.Ack(ctx, r.cfg.ID, d.EntryID)
			case comms.TypeTask:
				select {
				case r.taskQueue <- d:
				case <-ctx.Done():
					return
				}
			default:
				_ = r.cfg.Bus.Ack(ctx, r.cfg.ID, d.EntryID)
			}
		}
	}
}

func (r *Runtime) cancelTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[taskID] = struct{}{}
	if r.curTask == taskID && r.curCancel != nil {
		r.curCancel()
	}
	r.log.Debug().Str("task_id", taskID).Msg("cancel received")
}

func (r *Runtime) isCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[taskID]
	return ok
}

func (r *Runtime) execLoop(ctx context.Context) {
	defer r.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.taskQueue:
			r.process(ctx, d.Message)
			_ = r.cfg.Bus.Ack(context.WithoutCancel(ctx), r.cfg.ID, d.EntryID)
		}
	}
}

// process runs one assignment. Cancelled tasks produce no result.
func (r *Runtime) process(ctx context.Context, msg *comms.Message) {
	log := r.log.With().Str("task_id", msg.TaskID).Str("task_type", msg.TaskType).Logger()
	if r.isCancelled(msg.TaskID) {
		log.Info().Msg("skipping cancelled task")
		r.release(context.WithoutCancel(ctx), msg.TaskID, log)
		return
	}
	if err := r.cfg.Reporter.ReportStarted(ctx, msg.TaskID, r.cfg.ID); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			log.Info().Msg("task finished before it started")
			r.release(context.WithoutCancel(ctx), msg.TaskID, log)
			return
		}
		log.Warn().Err(err).Msg("report started failed")
		return
	}

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	r.mu.Lock()
	r.curTask = msg.TaskID
	r.curCancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.curTask = ""
		r.curCancel = nil
		delete(r.cancelled, msg.TaskID)
		r.mu.Unlock()
	}()

	start := time.Now()
	value, err := r.cfg.Executor.Execute(runCtx, msg.TaskType, msg.Payload)
	elapsed := time.Since(start).Seconds()
	bg := context.WithoutCancel(ctx)

	switch {
	case ctx.Err() != nil:
		// shutting down
		return
	case r.isCancelled(msg.TaskID):
		log.Info().Msg("task cancelled in flight")
		r.release(bg, msg.TaskID, log)
		return
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn().Dur("timeout", timeout).Msg("task timed out")
		if _, err := r.cfg.Reporter.HandleTimeout(bg, msg.TaskID); err != nil {
			log.Warn().Err(err).Msg("timeout report failed")
		}
		return
	}

	res := task.Result{Success: err == nil, Value: value, ExecutionTime: elapsed}
	if err != nil {
		res.Error = err.Error()
	}
	if err := r.cfg.Reporter.SubmitResult(bg, msg.TaskID, r.cfg.ID, res); err != nil {
		log.Warn().Err(err).Msg("submit result failed")
		return
	}
	log.Debug().Bool("success", res.Success).Float64("execution_time", elapsed).Msg("task finished")
}

// release frees the agent from a task it will not run to completion.
func (r *Runtime) release(ctx context.Context, taskID string, log zerolog.Logger) {
	r.mu.Lock()
	delete(r.cancelled, taskID)
	r.mu.Unlock()
	if _, err := r.cfg.Registry.Release(ctx, r.cfg.ID, taskID); err != nil {
		log.Warn().Err(err).Msg("release agent failed")
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.done.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.cfg.Registry.Heartbeat(ctx, r.cfg.ID); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
