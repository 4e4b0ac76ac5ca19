package dispatch

import (
	"context"
	"time"

	"github.com/GoCodeAlone/taskforge/agent"
)

// AgentLoad summarises live agents by status.
type AgentLoad struct {
	Total   int            `json:"total_agents"`
	Idle    int            `json:"idle_agents"`
	Running int            `json:"running_agents"`
	Error   int            `json:"error_agents"`
	Agents  []AgentSummary `json:"agents"`
}

// AgentSummary is one row of AgentLoad.
type AgentSummary struct {
	ID          string       `json:"agent_id"`
	Type        string       `json:"agent_type"`
	Status      agent.Status `json:"status"`
	CurrentTask string       `json:"current_task,omitempty"`
	ErrorCount  int          `json:"error_count"`
}

// Workload is the per-agent detail view.
type Workload struct {
	ID            string       `json:"agent_id"`
	Type          string       `json:"agent_type"`
	Status        agent.Status `json:"status"`
	CurrentTasks  int          `json:"current_tasks"`
	ErrorRate     float64      `json:"error_rate"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// QueueStatus counts tasks waiting in the queue and tasks held by agents.
type QueueStatus struct {
	Pending int64 `json:"pending_tasks"`
	Running int   `json:"running_tasks"`
}

// AgentLoad returns status counts over the live agents.
func (d *Dispatcher) AgentLoad(ctx context.Context) AgentLoad {
	live := d.registry.List(ctx)
	load := AgentLoad{Total: len(live), Agents: make([]AgentSummary, 0, len(live))}
	for _, a := range live {
		switch a.Status {
		case agent.StatusIdle:
			load.Idle++
		case agent.StatusRunning:
			load.Running++
		case agent.StatusError:
			load.Error++
		}
		load.Agents = append(load.Agents, AgentSummary{
			ID:          a.ID,
			Type:        a.Type,
			Status:      a.Status,
			CurrentTask: a.CurrentTask,
			ErrorCount:  a.ErrorCount,
		})
	}
	return load
}

// WorkloadDetails returns one Workload per live agent. The error rate is
// e/(e+1) for an error count e.
func (d *Dispatcher) WorkloadDetails(ctx context.Context) []Workload {
	live := d.registry.List(ctx)
	out := make([]Workload, 0, len(live))
	for _, a := range live {
		w := Workload{
			ID:            a.ID,
			Type:          a.Type,
			Status:        a.Status,
			ErrorRate:     float64(a.ErrorCount) / float64(a.ErrorCount+1),
			LastHeartbeat: a.LastHeartbeat,
		}
		if a.CurrentTask != "" {
			w.CurrentTasks = 1
		}
		out = append(out, w)
	}
	return out
}

// QueueStatus returns the queued task count and the number of running
// agents.
func (d *Dispatcher) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var qs QueueStatus
	counts, err := d.queue.Stats(ctx)
	if err != nil {
		return qs, err
	}
	for _, n := range counts {
		qs.Pending += n
	}
	for _, a := range d.registry.List(ctx) {
		if a.Status == agent.StatusRunning {
			qs.Running++
		}
	}
	return qs, nil
}
