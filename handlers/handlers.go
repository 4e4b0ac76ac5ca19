// Package handlers provides the built-in task handlers installed on every
// scheduler: calculate, echo, text_process and sleep.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/taskforge/scheduler"
	"github.com/GoCodeAlone/taskforge/task"
)

// Task types served by this package.
const (
	TypeCalculate   = "calculate"
	TypeEcho        = "echo"
	TypeTextProcess = "text_process"
	TypeSleep       = "sleep"
)

// ErrBadPayload is wrapped by every payload validation failure.
var ErrBadPayload = errors.New("bad payload")

// Registrar accepts handler registrations. *scheduler.Scheduler satisfies it.
type Registrar interface {
	RegisterHandler(taskType string, h scheduler.Handler) error
}

// All returns the built-in handlers keyed by task type.
func All() map[string]scheduler.Handler {
	return map[string]scheduler.Handler{
		TypeCalculate:   Calculate,
		TypeEcho:        Echo,
		TypeTextProcess: TextProcess,
		TypeSleep:       Sleep,
	}
}

// Register installs every built-in handler on r.
func Register(r Registrar) error {
	all := All()
	types := make([]string, 0, len(all))
	for t := range all {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		if err := r.RegisterHandler(t, all[t]); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
	}
	return nil
}

func badPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadPayload, fmt.Sprintf(format, args...))
}

// Calculate applies operation (add, multiply, average, max, min; default
// add) to the non-empty numeric list numbers and returns the number.
func Calculate(_ context.Context, payload task.Value) (task.Value, error) {
	op := "add"
	if s, ok := payload.Get("operation").AsString(); ok && s != "" {
		op = s
	}
	items, ok := payload.Get("numbers").AsList()
	if !ok || len(items) == 0 {
		return task.Null(), badPayload("numbers must be a non-empty list")
	}
	nums := make([]float64, len(items))
	for i, item := range items {
		n, ok := item.AsNumber()
		if !ok {
			return task.Null(), badPayload("numbers[%d] is %s, not a number", i, item.Kind())
		}
		nums[i] = n
	}

	var out float64
	switch op {
	case "add":
		for _, n := range nums {
			out += n
		}
	case "multiply":
		out = 1
		for _, n := range nums {
			out *= n
		}
	case "average":
		for _, n := range nums {
			out += n
		}
		out /= float64(len(nums))
	case "max":
		out = slices.Max(nums)
	case "min":
		out = slices.Min(nums)
	default:
		return task.Null(), badPayload("unknown operation %q", op)
	}
	return task.Number(out), nil
}

// Echo returns the payload unchanged.
func Echo(_ context.Context, payload task.Value) (task.Value, error) {
	return payload, nil
}

// TextProcess applies operation (count, word_count, uppercase, lowercase,
// reverse; default count) to the non-empty string text.
func TextProcess(_ context.Context, payload task.Value) (task.Value, error) {
	text, _ := payload.Get("text").AsString()
	if text == "" {
		return task.Null(), badPayload("text cannot be empty")
	}
	op := "count"
	if s, ok := payload.Get("operation").AsString(); ok && s != "" {
		op = s
	}

	switch op {
	case "count":
		return task.Number(float64(utf8.RuneCountInString(text))), nil
	case "word_count":
		return task.Number(float64(len(strings.Fields(text)))), nil
	case "uppercase":
		return task.String(cases.Upper(language.Und).String(text)), nil
	case "lowercase":
		return task.String(cases.Lower(language.Und).String(text)), nil
	case "reverse":
		r := []rune(text)
		slices.Reverse(r)
		return task.String(string(r)), nil
	}
	return task.Null(), badPayload("unknown text operation %q", op)
}

// Sleep waits for seconds (default 1, at most task.MaxTimeout) or until ctx
// ends, and returns the number of seconds slept.
func Sleep(ctx context.Context, payload task.Value) (task.Value, error) {
	secs := 1.0
	if n, ok := payload.Get("seconds").AsNumber(); ok {
		secs = n
	}
	if secs < 0 {
		return task.Null(), badPayload("seconds must not be negative")
	}
	if secs > task.MaxTimeout.Seconds() {
		return task.Null(), badPayload("seconds must not exceed %g", task.MaxTimeout.Seconds())
	}
	d := time.Duration(secs * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return task.Null(), ctx.Err()
	case <-timer.C:
		return task.Number(secs), nil
	}
}
