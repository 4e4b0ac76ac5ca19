// Package comms carries messages between the dispatcher and agents over
// per-agent streams.
package comms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskforge/task"
)

// MessageType identifies the kind of message on an agent channel.
type MessageType string

const (
	TypeTask   MessageType = "task"   // task assignment for the receiving agent
	TypeCancel MessageType = "cancel" // drop the named task if queued or running
	TypeResult MessageType = "result" // result of a finished task
)

// ResultsStream collects every submitted result.
const ResultsStream = "task_results"

// AgentStream is the name of the dedicated channel of an agent.
func AgentStream(agentID string) string { return "agent_tasks:" + agentID }

// AgentGroup is the consumer group an agent reads its channel with.
func AgentGroup(agentID string) string { return "agent_" + agentID }

// Message is one unit on an agent channel or the results stream.
type Message struct {
	ID           string        `json:"id"`
	Type         MessageType   `json:"type"`
	TaskID       string        `json:"task_id"`
	AgentID      string        `json:"agent_id,omitempty"`
	Name         string        `json:"name,omitempty"`
	TaskType     string        `json:"task_type,omitempty"`
	Priority     task.Priority `json:"priority,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Capabilities []string      `json:"required_capabilities,omitempty"`
	Payload      task.Value    `json:"payload"`
	Result       *task.Result  `json:"result,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewMessage returns a message with a fresh id and timestamp.
func NewMessage(typ MessageType, taskID string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode flattens m into stream fields. type and task_id are duplicated
// outside the JSON body so consumers can filter without decoding.
func Encode(m *Message) (map[string]string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return map[string]string{
		"type":    string(m.Type),
		"task_id": m.TaskID,
		"data":    string(data),
	}, nil
}

// Decode rebuilds a message from stream fields.
func Decode(fields map[string]string) (*Message, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("decode message: missing data field")
	}
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
