// Package task defines the task model and the priority queue that owns
// tasks between submission and completion.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority determines dequeue order. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Priorities lists every tier from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// ParsePriority accepts a tier name or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// Result is the outcome of one task execution.
type Result struct {
	Success       bool    `json:"success"`
	Value         Value   `json:"result"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"` // seconds
	RetryCount    int     `json:"retry_count"`
}

// Task is a unit of work.
type Task struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"task_type"`
	Payload       Value             `json:"payload"`
	Priority      Priority          `json:"priority"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"` // zero means the executor default
	MaxRetries    int               `json:"max_retries"`
	RetryCount    int               `json:"retry_count"`
	Result        *Result           `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DefaultMaxRetries is applied when a Spec leaves MaxRetries unset.
const DefaultMaxRetries = 3
