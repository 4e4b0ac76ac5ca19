package task

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Limits applied by Spec.Validate.
const (
	MaxNameLen    = 200
	MaxTypeLen    = 100
	MaxTimeout    = time.Hour
	MaxRetryLimit = 10
)

// Spec is a task creation request.
type Spec struct {
	Name       string            `json:"name" yaml:"name"`
	Type       string            `json:"task_type" yaml:"task_type"`
	Payload    Value             `json:"payload" yaml:"-"`
	Priority   Priority          `json:"priority" yaml:"priority"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Retries returns a pointer to n for use in Spec.MaxRetries.
func Retries(n int) *int { return &n }

// ValidationError reports a rejected Spec field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks s against the creation limits. A zero Priority is
// accepted and later defaults to normal.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Reason: "required"}
	case utf8.RuneCountInString(s.Name) > MaxNameLen:
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", MaxNameLen)}
	}
	switch {
	case strings.TrimSpace(s.Type) == "":
		return &ValidationError{Field: "task_type", Reason: "required"}
	case utf8.RuneCountInString(s.Type) > MaxTypeLen:
		return &ValidationError{Field: "task_type", Reason: fmt.Sprintf("longer than %d characters", MaxTypeLen)}
	}
	if s.Priority != 0 && !s.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", s.Priority)}
	}
	if s.Timeout < 0 || s.Timeout > MaxTimeout {
		return &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be between 0 and %s", MaxTimeout)}
	}
	if s.MaxRetries != nil && (*s.MaxRetries < 0 || *s.MaxRetries > MaxRetryLimit) {
		return &ValidationError{Field: "max_retries", Reason: fmt.Sprintf("must be between 0 and %d", MaxRetryLimit)}
	}
	return nil
}

// New validates s and builds a pending task with a fresh id.
func New(s Spec) (*Task, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	prio := s.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	retries := DefaultMaxRetries
	if s.MaxRetries != nil {
		retries = *s.MaxRetries
	}
	var meta map[string]string
	if len(s.Metadata) > 0 {
		meta = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       s.Name,
		Type:       s.Type,
		Payload:    s.Payload,
		Priority:   prio,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		Timeout:    s.Timeout,
		MaxRetries: retries,
		Metadata:   meta,
	}, nil
}
