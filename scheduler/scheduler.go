// Package scheduler runs queued tasks on a bounded pool of workers. Each
// task runs under a timeout; failures are retried with exponential backoff
// until the task's retry budget is spent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/task"
)

var (
	// ErrUnknownTaskType is recorded on tasks whose type has no handler.
	ErrUnknownTaskType = errors.New("no handler for task type")
	ErrInvalidHandler  = errors.New("invalid handler registration")
	ErrAlreadyRunning  = errors.New("scheduler already running")
)

// Defaults for a Scheduler.
const (
	DefaultWorkers         = 4
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultTimeout         = 300 * time.Second
	DefaultMonitorInterval = 30 * time.Second
)

// Handler executes the body of one task. It must honour ctx: the scheduler
// stops waiting for it once the task timeout expires.
type Handler func(ctx context.Context, payload task.Value) (task.Value, error)

// Tracker observes task execution. The monitor satisfies it.
type Tracker interface {
	TrackTaskStart(taskID, taskType, agentID string, createdAt time.Time)
	TrackTaskCompletion(taskID string, success bool, errMsg string)
}

// ExponentialBackoff waits 2^retry seconds.
func ExponentialBackoff(retry int) time.Duration {
	return time.Duration(math.Pow(2, float64(retry))) * time.Second
}

type settings struct {
	workers         int
	pollInterval    time.Duration
	defaultTimeout  time.Duration
	monitorInterval time.Duration
	backoff         func(retry int) time.Duration
}

// Scheduler pulls tasks from a task.Queue and executes them. At most
// Workers tasks are owned at once: a worker only dequeues again after the
// task it holds has finished, been re-queued or given up.
type Scheduler struct {
	queue   *task.Queue
	tracker Tracker
	logger  zerolog.Logger

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu      sync.Mutex
	cfg     settings
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active atomic.Int32
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.cfg.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker sleeps between dequeues.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.cfg.pollInterval = d }
}

// WithDefaultTimeout sets the timeout of tasks that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.cfg.defaultTimeout = d }
}

// WithMonitorInterval sets how often queue depth is logged.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.cfg.monitorInterval = d }
}

// WithBackoff replaces ExponentialBackoff.
func WithBackoff(fn func(retry int) time.Duration) Option {
	return func(s *Scheduler) { s.cfg.backoff = fn }
}

// WithTracker reports task starts and completions to t.
func WithTracker(t Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New returns a stopped scheduler over q.
func New(q *task.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    q,
		logger:   zerolog.Nop(),
		handlers: make(map[string]Handler),
		cfg: settings{
			workers:         DefaultWorkers,
			pollInterval:    DefaultPollInterval,
			defaultTimeout:  DefaultTimeout,
			monitorInterval: DefaultMonitorInterval,
			backoff:         ExponentialBackoff,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Queue returns the queue the scheduler drains.
func (s *Scheduler) Queue() *task.Queue { return s.queue }

// RegisterHandler installs h for taskType, replacing any earlier handler.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) error {
	if taskType == "" || h == nil {
		return fmt.Errorf("register %q: %w", taskType, ErrInvalidHandler)
	}
	s.hmu.Lock()
	s.handlers[taskType] = h
	s.hmu.Unlock()
	s.logger.Info().Str("task_type", taskType).Msg("handler registered")
	return nil
}

func (s *Scheduler) handler(taskType string) (Handler, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Execute runs the handler registered for taskType directly, outside the
// queue. In-process agents use it to share the handler table.
func (s *Scheduler) Execute(ctx context.Context, taskType string, payload task.Value) (task.Value, error) {
	h, ok := s.handler(taskType)
	if !ok {
		return task.Null(), fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return invoke(ctx, h, payload)
}

// Reconfigure applies opts. Changes to pool size and intervals take effect
// on the next Start; use Restart to apply them to a running scheduler.
func (s *Scheduler) Reconfigure(opts ...Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range opts {
		o(s)
	}
}

// Start launches the workers and the monitor loop. Loops run until Stop;
// cancelling ctx does not stop them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true
	cfg := s.cfg

	for i := range cfg.workers {
		s.wg.Add(1)
		go s.worker(loopCtx, i, cfg)
	}
	s.wg.Add(1)
	go s.monitor(loopCtx, cfg)

	s.logger.Info().Int("workers", cfg.workers).Msg("scheduler started")
	return nil
}

// Stop signals every loop to exit and waits for them. Tasks already
// executing run to completion or to their own timeout; a task waiting out
// its retry backoff is re-queued at once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Restart stops and starts the scheduler, picking up Reconfigure changes.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.logger.Info().Msg("scheduler restarting")
	s.Stop()
	return s.Start(ctx)
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) worker(ctx context.Context, n int, cfg settings) {
	defer s.wg.Done()
	log := s.logger.With().Int("worker", n).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for ctx.Err() == nil {
		t, err := s.queue.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			sleep(ctx, time.Second)
			continue
		}
		if t == nil {
			sleep(ctx, cfg.pollInterval)
			continue
		}

		s.active.Add(1)
		s.execute(ctx, t, cfg, log)
		s.active.Add(-1)
	}
}

// execute runs one owned task to a terminal status or back onto the queue.
// ctx only signals shutdown; store writes use a context that outlives it so
// an in-flight task is always recorded.
func (s *Scheduler) execute(ctx context.Context, t *task.Task, cfg settings, log zerolog.Logger) {
	bg := context.WithoutCancel(ctx)
	log = log.With().Str("task_id", t.ID).Str("task_type", t.Type).Logger()

	t.Status = task.StatusRunning
	if err := s.queue.Save(bg, t); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			log.Info().Msg("task finished before it started")
			return
		}
		log.Warn().Err(err).Msg("mark running failed")
	}
	if s.tracker != nil {
		s.tracker.TrackTaskStart(t.ID, t.Type, "", t.CreatedAt)
	}

	h, ok := s.handler(t.Type)
	if !ok {
		s.finish(bg, t, task.StatusFailed, task.Result{
			Error:      fmt.Errorf("%w: %s", ErrUnknownTaskType, t.Type).Error(),
			RetryCount: t.RetryCount,
		}, log)
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(bg, timeout)
	start := time.Now()
	value, err := invoke(runCtx, h, t.Payload)
	elapsed := time.Since(start).Seconds()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil && !timedOut:
		s.finish(bg, t, task.StatusCompleted, task.Result{
			Success:       true,
			Value:         value,
			ExecutionTime: elapsed,
			RetryCount:    t.RetryCount,
		}, log)

	case timedOut:
		s.finish(bg, t, task.StatusTimeout, task.Result{
			Error:         fmt.Sprintf("task timed out after %s", timeout),
			ExecutionTime: elapsed,
			RetryCount:    t.RetryCount,
		}, log)

	case t.RetryCount < t.MaxRetries:
		s.retry(ctx, t, err, cfg, log)

	default:
		s.finish(bg, t, task.StatusFailed, task.Result{
			Error:         err.Error(),
			ExecutionTime: elapsed,
			RetryCount:    t.RetryCount,
		}, log)
	}
}

func (s *Scheduler) finish(ctx context.Context, t *task.Task, status task.Status, r task.Result, log zerolog.Logger) {
	if _, err := s.queue.Finish(ctx, t.ID, status, r); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			log.Info().Stringer("status", status).Msg("discarding result of task finished elsewhere")
		} else {
			log.Error().Err(err).Msg("store result failed")
		}
	}
	if s.tracker != nil {
		s.tracker.TrackTaskCompletion(t.ID, r.Success, r.Error)
	}

	ev := log.Info()
	if !r.Success {
		ev = log.Warn().Str("error", r.Error)
	}
	ev.Stringer("status", status).Float64("execution_time", r.ExecutionTime).Int("retry_count", r.RetryCount).Msg("task finished")
}

// retry records the failure, sleeps out the backoff while still holding the
// worker slot, then puts the task back on its priority list.
func (s *Scheduler) retry(ctx context.Context, t *task.Task, cause error, cfg settings, log zerolog.Logger) {
	bg := context.WithoutCancel(ctx)
	t.RetryCount++
	t.Status = task.StatusRetrying
	t.Error = cause.Error()
	if err := s.queue.Save(bg, t); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			log.Info().Msg("task finished while running, not retrying")
			return
		}
		log.Warn().Err(err).Msg("mark retrying failed")
	}

	delay := cfg.backoff(t.RetryCount)
	log.Warn().Err(cause).Int("retry_count", t.RetryCount).Int("max_retries", t.MaxRetries).Dur("backoff", delay).Msg("task failed, retrying")
	sleep(ctx, delay)

	if err := s.queue.Enqueue(bg, t); err != nil {
		log.Error().Err(err).Msg("re-enqueue failed")
	}
}

// invoke runs h and returns when it does or when ctx ends, whichever is
// first. A panicking handler is reported as an error.
func invoke(ctx context.Context, h Handler, payload task.Value) (task.Value, error) {
	type outcome struct {
		v   task.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := h(ctx, payload)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return task.Null(), ctx.Err()
	}
}

func (s *Scheduler) monitor(ctx context.Context, cfg settings) {
	defer s.wg.Done()
	ticker := time.NewTicker(cfg.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("queue stats failed")
				}
				continue
			}
			var queued int64
			for _, n := range stats {
				queued += n
			}
			s.logger.Info().Int64("queued", queued).Int32("active_workers", s.active.Load()).Msg("queue status")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
