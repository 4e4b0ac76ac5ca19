package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/store"
)

var (
	// ErrNotFound is returned for tasks with no stored record.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when mutating a task that already reached a
	// terminal status.
	ErrTerminal = errors.New("task is in a terminal state")
)

// Key layout in the store.
const (
	queuePrefix   = "task_queue:"
	recordPrefix  = "task:"
	resultPrefix  = "task_result:"
	enqueuePrefix = "task_enqueued:"
)

func queueKey(p Priority) string { return queuePrefix + strconv.Itoa(int(p)) }
func recordKey(id string) string { return recordPrefix + id }
func resultKey(id string) string { return resultPrefix + id }
func enqueuedKey(id string) string { return enqueuePrefix + id }

// Defaults for Queue.
const (
	DefaultDequeueTimeout = time.Second
	DefaultRecordTTL      = 24 * time.Hour
	DefaultResultTTL      = time.Hour
)

// Queue keeps one FIFO list of task ids per priority plus a hash record per
// task. Ids are pushed at the tail and popped at the head, so a popped task
// belongs to exactly one caller.
type Queue struct {
	kv             store.Store
	dequeueTimeout time.Duration
	recordTTL      time.Duration
	resultTTL      time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	// mu serialises read-modify-write updates made through this Queue.
	mu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDequeueTimeout sets how long DequeueNext waits on each priority list.
func WithDequeueTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.dequeueTimeout = d }
}

// WithRecordTTL sets the expiry of task records.
func WithRecordTTL(d time.Duration) QueueOption {
	return func(q *Queue) { q.recordTTL = d }
}

// WithResultTTL sets the expiry of stored results.
func WithResultTTL(d time.Duration) QueueOption {
	return func(q *Queue) { q.resultTTL = d }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l zerolog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue returns a Queue over kv.
func NewQueue(kv store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		kv:             kv,
		dequeueTimeout: DefaultDequeueTimeout,
		recordTTL:      DefaultRecordTTL,
		resultTTL:      DefaultResultTTL,
		logger:         zerolog.Nop(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue writes the task record and appends its id to the list for its
// priority. Store failures are returned as-is; Enqueue never retries.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("enqueue %s: invalid priority %d", t.ID, t.Priority)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, err := q.get(ctx, t.ID); err == nil && cur.Status.IsTerminal() {
		return fmt.Errorf("enqueue %s: %w", t.ID, ErrTerminal)
	}
	if err := q.write(ctx, t); err != nil {
		return err
	}
	if err := q.kv.SetValue(ctx, enqueuedKey(t.ID), strconv.Itoa(int(t.Priority)), q.recordTTL); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	if err := q.kv.ListPush(ctx, queueKey(t.Priority), t.ID); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	q.logger.Debug().Str("task_id", t.ID).Stringer("priority", t.Priority).Msg("task enqueued")
	return nil
}

// Put writes the task record without queueing it. Used for tasks routed
// directly to an agent.
func (q *Queue) Put(ctx context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.write(ctx, t)
}

// DequeueNext pops the next task id, highest priority first, waiting up to
// the dequeue timeout on each list in turn. The returned task is marked
// queued with started_at set. It returns nil, nil when every list is empty.
// Ids whose record expired or was finished while queued are dropped.
func (q *Queue) DequeueNext(ctx context.Context) (*Task, error) {
	for i := 0; i < len(Priorities); {
		p := Priorities[i]
		id, ok, err := q.kv.ListBlockingPop(ctx, queueKey(p), q.dequeueTimeout)
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", p, err)
		}
		if !ok {
			i++
			continue
		}

		t, err := q.claim(ctx, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminal) {
			q.logger.Debug().Str("task_id", id).Err(err).Msg("dropping dequeued id")
			continue
		}
		if err != nil {
			return nil, err
		}
		q.logger.Debug().Str("task_id", id).Stringer("priority", p).Msg("task dequeued")
		return t, nil
	}
	return nil, nil
}

func (q *Queue) claim(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.kv.Delete(ctx, enqueuedKey(id)); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", id, err)
	}
	t, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	now := q.now()
	t.Status = StatusQueued
	t.StartedAt = &now
	if err := q.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Queued reports whether the id of a task sits on a priority list waiting
// for a worker.
func (q *Queue) Queued(ctx context.Context, id string) (bool, error) {
	_, ok, err := q.kv.GetValue(ctx, enqueuedKey(id))
	if err != nil {
		return false, fmt.Errorf("queued %s: %w", id, err)
	}
	return ok, nil
}

// Get loads a task record.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	return q.get(ctx, id)
}

// Save rewrites an existing task record. Terminal records are immutable,
// and Save never moves a task into a terminal status; use Finish or Cancel.
func (q *Queue) Save(ctx context.Context, t *Task) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("save %s: status %s must be set with Finish", t.ID, t.Status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.get(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("save %s: %w", t.ID, ErrTerminal)
	}
	return q.write(ctx, t)
}

// SetResult records r and completes the task: completed on success,
// failed otherwise.
func (q *Queue) SetResult(ctx context.Context, id string, r Result) (*Task, error) {
	status := StatusFailed
	if r.Success {
		status = StatusCompleted
	}
	return q.Finish(ctx, id, status, r)
}

// Finish records r and moves the task into the terminal status.
func (q *Queue) Finish(ctx context.Context, id string, status Status, r Result) (*Task, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish %s: %s is not a terminal status", id, status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("finish %s: %w", id, ErrTerminal)
	}
	now := q.now()
	t.Result = &r
	t.Status = status
	t.CompletedAt = &now
	if !r.Success && r.Error != "" {
		t.Error = r.Error
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if err := q.kv.SetValue(ctx, resultKey(id), string(data), q.resultTTL); err != nil {
		return nil, fmt.Errorf("store result %s: %w", id, err)
	}
	if err := q.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel marks the task cancelled. It returns false, nil when the task is
// already terminal. A running task is not interrupted.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.IsTerminal() {
		return false, nil
	}
	now := q.now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	if err := q.write(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

// Result returns the stored result of a finished task. It falls back to the
// task record once the separate result key has expired.
func (q *Queue) Result(ctx context.Context, id string) (*Result, error) {
	raw, ok, err := q.kv.GetValue(ctx, resultKey(id))
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	if ok {
		var r Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
		return &r, nil
	}
	t, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Result == nil {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return t.Result, nil
}

// Stats returns the number of queued ids per priority.
func (q *Queue) Stats(ctx context.Context) (map[Priority]int64, error) {
	out := make(map[Priority]int64, len(Priorities))
	for _, p := range Priorities {
		n, err := q.kv.ListLen(ctx, queueKey(p))
		if err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		out[p] = n
	}
	return out, nil
}

func (q *Queue) get(ctx context.Context, id string) (*Task, error) {
	h, err := q.kv.HashGetAll(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return Decode(h)
}

func (q *Queue) write(ctx context.Context, t *Task) error {
	h, err := Encode(t)
	if err != nil {
		return err
	}
	if err := q.kv.HashSet(ctx, recordKey(t.ID), h); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	if err := q.kv.Expire(ctx, recordKey(t.ID), q.recordTTL); err != nil {
		return fmt.Errorf("expire task %s: %w", t.ID, err)
	}
	return nil
}
