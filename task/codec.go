package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Encode flattens t into the string hash stored at task:<id>. Every field
// is present; absent optional values encode as "".
func Encode(t *Task) (map[string]string, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var result string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	var meta string
	if len(t.Metadata) > 0 {
		b, _ := json.Marshal(t.Metadata)
		meta = string(b)
	}
	var timeout string
	if t.Timeout > 0 {
		timeout = strconv.FormatFloat(t.Timeout.Seconds(), 'f', -1, 64)
	}
	return map[string]string{
		"id":             t.ID,
		"name":           t.Name,
		"task_type":      t.Type,
		"payload":        string(payload),
		"priority":       strconv.Itoa(int(t.Priority)),
		"status":         string(t.Status),
		"created_at":     formatTime(&t.CreatedAt),
		"started_at":     formatTime(t.StartedAt),
		"completed_at":   formatTime(t.CompletedAt),
		"timeout":        timeout,
		"max_retries":    strconv.Itoa(t.MaxRetries),
		"retry_count":    strconv.Itoa(t.RetryCount),
		"result":         result,
		"error":          t.Error,
		"assigned_agent": t.AssignedAgent,
		"metadata":       meta,
	}, nil
}

// Decode rebuilds a task from its stored hash.
func Decode(h map[string]string) (*Task, error) {
	t := &Task{
		ID:            h["id"],
		Name:          h["name"],
		Type:          h["task_type"],
		Status:        Status(h["status"]),
		Error:         h["error"],
		AssignedAgent: h["assigned_agent"],
	}
	if t.ID == "" {
		return nil, fmt.Errorf("decode task: missing id")
	}
	var err error
	if p := h["payload"]; p != "" {
		if err := json.Unmarshal([]byte(p), &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	prio, err := strconv.Atoi(h["priority"])
	if err != nil {
		return nil, fmt.Errorf("decode priority: %w", err)
	}
	t.Priority = Priority(prio)

	created, err := parseTime(h["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if created != nil {
		t.CreatedAt = *created
	}
	if t.StartedAt, err = parseTime(h["started_at"]); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if t.CompletedAt, err = parseTime(h["completed_at"]); err != nil {
		return nil, fmt.Errorf("decode completed_at: %w", err)
	}
	if s := h["timeout"]; s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("decode timeout: %w", err)
		}
		t.Timeout = time.Duration(secs * float64(time.Second))
	}
	if t.MaxRetries, err = atoiOrZero(h["max_retries"]); err != nil {
		return nil, fmt.Errorf("decode max_retries: %w", err)
	}
	if t.RetryCount, err = atoiOrZero(h["retry_count"]); err != nil {
		return nil, fmt.Errorf("decode retry_count: %w", err)
	}
	if r := h["result"]; r != "" {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(r), t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if m := h["metadata"]; m != "" {
		if err := json.Unmarshal([]byte(m), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
