package scheduler

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/taskforge/task"
)

// Stats describes the queue and pool.
type Stats struct {
	Queued        map[string]int64 `json:"queued"` // keyed by priority name
	ActiveWorkers int              `json:"active_workers"`
	MaxWorkers    int              `json:"max_workers"`
	Running       bool             `json:"is_running"`
}

// CreateTask validates spec and enqueues a new task, returning its id.
// Invalid specs never reach the queue.
func (s *Scheduler) CreateTask(ctx context.Context, spec task.Spec) (string, error) {
	t, err := task.New(spec)
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, t); err != nil {
		return "", fmt.Errorf("create task %q: %w", spec.Name, err)
	}
	s.logger.Info().Str("task_id", t.ID).Str("task_type", t.Type).Stringer("priority", t.Priority).Msg("task created")
	return t.ID, nil
}

// CreateBatch validates every spec before enqueueing any of them. On an
// enqueue failure the ids created so far are returned with the error.
func (s *Scheduler) CreateBatch(ctx context.Context, specs []task.Spec) ([]string, error) {
	tasks := make([]*task.Task, 0, len(specs))
	for i, spec := range specs {
		t, err := task.New(spec)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := s.queue.Enqueue(ctx, t); err != nil {
			return ids, fmt.Errorf("create task %q: %w", t.Name, err)
		}
		ids = append(ids, t.ID)
	}
	s.logger.Info().Int("tasks", len(ids)).Msg("batch created")
	return ids, nil
}

// Status returns the current status of a task.
func (s *Scheduler) Status(ctx context.Context, id string) (task.Status, error) {
	t, err := s.queue.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Task returns the full task record.
func (s *Scheduler) Task(ctx context.Context, id string) (*task.Task, error) {
	return s.queue.Get(ctx, id)
}

// Result returns the stored result of a finished task.
func (s *Scheduler) Result(ctx context.Context, id string) (*task.Result, error) {
	return s.queue.Result(ctx, id)
}

// Cancel marks a task cancelled. It reports false for tasks that already
// finished. A running task is not interrupted; its result is discarded.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.queue.Cancel(ctx, id)
	if err == nil && ok {
		s.logger.Info().Str("task_id", id).Msg("task cancelled")
	}
	return ok, err
}

// Stats returns queue depth per priority and pool usage.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	queued := make(map[string]int64, len(counts))
	for p, n := range counts {
		queued[p.String()] = n
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:        queued,
		ActiveWorkers: int(s.active.Load()),
		MaxWorkers:    s.cfg.workers,
		Running:       s.running,
	}, nil
}
