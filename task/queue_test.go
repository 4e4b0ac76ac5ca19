package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskforge/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	kv := store.NewMemory()
	t.Cleanup(func() { kv.Close() })
	return NewQueue(kv, WithDequeueTimeout(5*time.Millisecond))
}

func newTestTask(t *testing.T, name string, p Priority) *Task {
	t.Helper()
	tk, err := New(Spec{Name: name, Type: "echo", Priority: p, Payload: String(name)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tk
}

func drain(t *testing.T, q *Queue) []string {
	t.Helper()
	var names []string
	for {
		tk, err := q.DequeueNext(context.Background())
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		if tk == nil {
			return names
		}
		names = append(names, tk.Name)
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, p := range []Priority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityHigh} {
		if err := q.Enqueue(ctx, newTestTask(t, p.String(), p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got := drain(t, q)
	want := []string{"urgent", "high", "normal", "low"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dequeue order = %v, want %v", got, want)
	}
}

func TestQueue_FIFOWithinTier(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		if err := q.Enqueue(ctx, newTestTask(t, name, PriorityNormal)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := fmt.Sprint(drain(t, q)); got != "[A B C]" {
		t.Errorf("dequeue order = %s, want [A B C]", got)
	}
}

func TestQueue_DequeueMarksQueued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	tk := newTestTask(t, "one", PriorityHigh)
	if err := q.Enqueue(ctx, tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := q.DequeueNext(ctx)
	if err != nil || got == nil {
		t.Fatalf("DequeueNext = %v, %v", got, err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}
	stored, _ := q.Get(ctx, tk.ID)
	if stored.Status != StatusQueued {
		t.Errorf("stored Status = %q, want %q", stored.Status, StatusQueued)
	}
}

func TestQueue_SingleOwner(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, newTestTask(t, "only", PriorityNormal)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := q.DequeueNext(ctx)
			if err != nil {
				t.Errorf("DequeueNext: %v", err)
				return
			}
			if tk != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d callers received the task, want 1", winners)
	}
}

func TestQueue_ConcurrentDrainNoDuplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	const total = 40
	for i := range total {
		p := Priorities[i%len(Priorities)]
		if err := q.Enqueue(ctx, newTestTask(t, fmt.Sprint(i), p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, err := q.DequeueNext(ctx)
				if err != nil || tk == nil {
					return
				}
				mu.Lock()
				seen[tk.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Errorf("drained %d tasks, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s dequeued %d times", id, n)
		}
	}
}

func TestQueue_SetResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	ok := newTestTask(t, "ok", PriorityNormal)
	bad := newTestTask(t, "bad", PriorityNormal)
	for _, tk := range []*Task{ok, bad} {
		if err := q.Enqueue(ctx, tk); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if _, err := q.SetResult(ctx, ok.ID, Result{Success: true, Value: Number(6)}); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if _, err := q.SetResult(ctx, bad.ID, Result{Success: false, Error: "boom"}); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, _ := q.Get(ctx, ok.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("ok task = %q completed_at=%v", got.Status, got.CompletedAt)
	}
	r, err := q.Result(ctx, ok.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if n, _ := r.Value.AsNumber(); n != 6 {
		t.Errorf("result value = %v, want 6", r.Value)
	}

	got, _ = q.Get(ctx, bad.ID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Errorf("bad task = %q error=%q, want failed/boom", got.Status, got.Error)
	}

	// Terminal tasks are immutable.
	if _, err := q.SetResult(ctx, ok.ID, Result{Success: false}); !errors.Is(err, ErrTerminal) {
		t.Errorf("second SetResult err = %v, want ErrTerminal", err)
	}
}

func TestQueue_FinishTimeoutKeepsStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	tk := newTestTask(t, "slow", PriorityNormal)
	_ = q.Enqueue(ctx, tk)
	if _, err := q.Finish(ctx, tk.ID, StatusTimeout, Result{Error: "timed out"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, _ := q.Get(ctx, tk.ID)
	if got.Status != StatusTimeout {
		t.Errorf("Status = %q, want %q", got.Status, StatusTimeout)
	}
	if _, err := q.Finish(ctx, tk.ID, StatusRunning, Result{}); err == nil {
		t.Error("Finish with non-terminal status succeeded")
	}
}

func TestQueue_CancelIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pending := newTestTask(t, "pending", PriorityNormal)
	_ = q.Enqueue(ctx, pending)
	if ok, err := q.Cancel(ctx, pending.ID); err != nil || !ok {
		t.Fatalf("first Cancel = %v, %v; want true", ok, err)
	}
	if ok, err := q.Cancel(ctx, pending.ID); err != nil || ok {
		t.Errorf("second Cancel = %v, %v; want false", ok, err)
	}

	done := newTestTask(t, "done", PriorityNormal)
	_ = q.Enqueue(ctx, done)
	finished, _ := q.SetResult(ctx, done.ID, Result{Success: true})
	if ok, err := q.Cancel(ctx, done.ID); err != nil || ok {
		t.Errorf("Cancel completed = %v, %v; want false", ok, err)
	}
	got, _ := q.Get(ctx, done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if !got.CompletedAt.Equal(*finished.CompletedAt) {
		t.Errorf("CompletedAt changed: %v -> %v", finished.CompletedAt, got.CompletedAt)
	}

	if _, err := q.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel missing err = %v, want ErrNotFound", err)
	}
}

func TestQueue_CancelledTaskIsSkipped(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	a := newTestTask(t, "a", PriorityNormal)
	b := newTestTask(t, "b", PriorityNormal)
	_ = q.Enqueue(ctx, a)
	_ = q.Enqueue(ctx, b)
	if _, err := q.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := fmt.Sprint(drain(t, q)); got != "[b]" {
		t.Errorf("dequeued %s, want [b]", got)
	}
	got, _ := q.Get(ctx, a.ID)
	if got.Status != StatusCancelled {
		t.Errorf("cancelled task status = %q", got.Status)
	}
}

func TestQueue_EnqueueTerminalRejected(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	tk := newTestTask(t, "x", PriorityLow)
	_ = q.Enqueue(ctx, tk)
	_, _ = q.Cancel(ctx, tk.ID)
	tk.Status = StatusRetrying
	if err := q.Enqueue(ctx, tk); !errors.Is(err, ErrTerminal) {
		t.Errorf("Enqueue after cancel err = %v, want ErrTerminal", err)
	}
}

func TestQueue_QueuedUntilDequeued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queued := newTestTask(t, "q", PriorityNormal)
	direct := newTestTask(t, "d", PriorityNormal)
	if err := q.Enqueue(ctx, queued); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Put(ctx, direct); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok, err := q.Queued(ctx, queued.ID); err != nil || !ok {
		t.Errorf("Queued(enqueued) = %v, %v; want true", ok, err)
	}
	if ok, err := q.Queued(ctx, direct.ID); err != nil || ok {
		t.Errorf("Queued(put) = %v, %v; want false", ok, err)
	}

	if got := drain(t, q); len(got) != 1 || got[0] != "q" {
		t.Fatalf("drained %v, want [q]", got)
	}
	if ok, _ := q.Queued(ctx, queued.ID); ok {
		t.Error("task still reported queued after dequeue")
	}
}

func TestQueue_Stats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, newTestTask(t, "a", PriorityHigh))
	_ = q.Enqueue(ctx, newTestTask(t, "b", PriorityHigh))
	_ = q.Enqueue(ctx, newTestTask(t, "c", PriorityLow))
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[PriorityHigh] != 2 || stats[PriorityLow] != 1 || stats[PriorityUrgent] != 0 {
		t.Errorf("Stats = %v", stats)
	}
}

func TestQueue_SQLiteBackend(t *testing.T) {
	kv, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	q := NewQueue(kv, WithDequeueTimeout(5*time.Millisecond))
	ctx := context.Background()

	for _, p := range []Priority{PriorityLow, PriorityUrgent} {
		if err := q.Enqueue(ctx, newTestTask(t, p.String(), p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := fmt.Sprint(drain(t, q)); got != "[urgent low]" {
		t.Errorf("dequeue order = %s, want [urgent low]", got)
	}
}
