package monitor

import (
	"sort"
	"time"
)

// PerformanceSummary aggregates the tracked task records.
type PerformanceSummary struct {
	TotalTasks       int     `json:"total_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	TimedOutTasks    int     `json:"timed_out_tasks"`
	CancelledTasks   int     `json:"cancelled_tasks"`
	RunningTasks     int     `json:"running_tasks"`
	SuccessRate      float64 `json:"success_rate"` // percent of finished tasks
	AvgExecutionTime float64 `json:"average_execution_time"`
	AvgWaitTime      float64 `json:"average_wait_time"`
}

// TaskMetrics returns a copy of the record for one task.
func (m *Monitor) TaskMetrics(taskID string) (TaskMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.tasks[taskID]
	if !ok {
		return TaskMetrics{}, false
	}
	return *tm, true
}

// AllTaskMetrics returns every record ordered by start time.
func (m *Monitor) AllTaskMetrics() []TaskMetrics {
	m.mu.RLock()
	out := make([]TaskMetrics, 0, len(m.tasks))
	for _, tm := range m.tasks {
		out = append(out, *tm)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// SystemMetrics returns samples taken at or after since, oldest first.
func (m *Monitor) SystemMetrics(since time.Time) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sample
	for _, s := range m.history {
		if !s.Time.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// Alerts returns non-info events at or after since. An empty level
// matches all alert levels.
func (m *Monitor) Alerts(level Level, since time.Time) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.alerts {
		if ev.Time.Before(since) || (level != "" && ev.Level != level) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// RecentEvents returns up to n of the newest events, oldest first.
func (m *Monitor) RecentEvents(n int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(m.events)-n, 0)
	out := make([]Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out
}

// PerformanceSummary summarises all tracked tasks. Averages cover finished
// tasks only.
func (m *Monitor) PerformanceSummary() PerformanceSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		ps       PerformanceSummary
		execSum  float64
		waitSum  float64
		finished int
	)
	ps.TotalTasks = len(m.tasks)
	for _, tm := range m.tasks {
		waitSum += tm.WaitTime
		switch tm.Status {
		case TaskRunning:
			ps.RunningTasks++
			continue
		case TaskCancelled:
			ps.CancelledTasks++
			continue
		case TaskCompleted:
			ps.CompletedTasks++
		case TaskFailed:
			ps.FailedTasks++
		case TaskTimedOut:
			ps.TimedOutTasks++
		}
		finished++
		execSum += tm.ExecutionTime
	}
	if finished > 0 {
		ps.SuccessRate = float64(ps.CompletedTasks) / float64(finished) * 100
		ps.AvgExecutionTime = execSum / float64(finished)
	}
	if ps.TotalTasks > 0 {
		ps.AvgWaitTime = waitSum / float64(ps.TotalTasks)
	}
	return ps
}

// HealthStatus derives system health from alerts raised in the last hour
// and the latest metrics sample.
func (m *Monitor) HealthStatus() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return HealthUnknown
	}
	cutoff := m.now().Add(-time.Hour)
	var hasCritical, hasError bool
	for _, ev := range m.alerts {
		if ev.Time.Before(cutoff) {
			continue
		}
		switch ev.Level {
		case LevelCritical:
			hasCritical = true
		case LevelError:
			hasError = true
		}
	}
	latest := m.history[len(m.history)-1]
	switch {
	case hasCritical:
		return HealthCritical
	case hasError:
		return HealthError
	case latest.CPU > cpuThreshold || latest.Memory > memThreshold:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// CleanupOldMetrics drops task records, samples, events and alerts older
// than days and reports how many entries went.
func (m *Monitor) CleanupOldMetrics(days int) int {
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, tm := range m.tasks {
		if tm.StartTime.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	var n int
	m.history, n = keepSince(m.history, cutoff, func(s Sample) time.Time { return s.Time })
	removed += n
	m.events, n = keepSince(m.events, cutoff, func(e Event) time.Time { return e.Time })
	removed += n
	m.alerts, n = keepSince(m.alerts, cutoff, func(e Event) time.Time { return e.Time })
	removed += n

	m.logger.Info().Int("days", days).Int("removed", removed).Msg("cleaned up old metrics")
	return removed
}

func keepSince[T any](s []T, cutoff time.Time, at func(T) time.Time) ([]T, int) {
	kept := s[:0]
	for _, v := range s {
		if !at(v).Before(cutoff) {
			kept = append(kept, v)
		}
	}
	removed := len(s) - len(kept)
	clear(s[len(kept):])
	return kept, removed
}
