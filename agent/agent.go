// Package agent defines worker agents, the registry that tracks their
// liveness and state, and an in-process agent runtime.
package agent

import (
	"errors"
	"slices"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusError, StatusStopped:
		return true
	}
	return false
}

// GeneralType is the agent type that accepts any task type.
const GeneralType = "general"

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidTransition = errors.New("invalid agent status transition")
)

// Registration is an agent registration request.
type Registration struct {
	ID           string   `json:"agent_id" yaml:"id"`
	Type         string   `json:"agent_type" yaml:"type"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Endpoint     string   `json:"endpoint,omitempty" yaml:"endpoint"`
}

// Agent is the registry record of a worker. A running agent always has a
// current task; idle, error and stopped agents never do.
type Agent struct {
	ID            string    `json:"agent_id"`
	Type          string    `json:"agent_type"`
	Capabilities  []string  `json:"capabilities"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Status        Status    `json:"status"`
	CurrentTask   string    `json:"current_task,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ErrorCount    int       `json:"error_count"`
}

// HasCapabilities reports whether a declares every capability in required.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(a.Capabilities, c) {
			return false
		}
	}
	return true
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}
