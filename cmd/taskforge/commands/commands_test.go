package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/taskforge/task"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "state.db")
	return writeConfig(t, "store:\n  backend: sqlite\n  path: "+db+"\n")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// field returns the value printed after label in row output.
func field(t *testing.T, out, label string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == label {
			return f[len(f)-1]
		}
	}
	t.Fatalf("no %q row in output:\n%s", label, out)
	return ""
}

func TestSubmitStatusCancel(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := run(t, "submit", "calculate", "-c", cfg, "--no-color",
		"--payload", `{"numbers":[1,2,3]}`, "--priority", "high", "--retries", "1", "--meta", "team=ops")
	require.NoError(t, err)
	id := field(t, out, "task")
	assert.Equal(t, "high", field(t, out, "priority"))
	assert.Equal(t, "pending", field(t, out, "status"))

	out, err = run(t, "status", id, "-c", cfg, "--json")
	require.NoError(t, err)
	var got task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "calculate", got.Name)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, 1, got.MaxRetries)
	assert.Equal(t, map[string]string{"team": "ops"}, got.Metadata)
	assert.True(t, task.MustValue(map[string]any{"numbers": []any{1, 2, 3}}).Equal(got.Payload))

	out, err = run(t, "stats", "-c", cfg, "--no-color")
	require.NoError(t, err)
	assert.Equal(t, "1", field(t, out, "high"))
	assert.Equal(t, "1", field(t, out, "pending"))

	out, err = run(t, "cancel", id, "-c", cfg, "--no-color")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", field(t, out, "status"))
	assert.Equal(t, "0", field(t, out, "notified"))

	out, err = run(t, "status", id, "-c", cfg, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
}

func TestStatus_UnknownTask(t *testing.T) {
	_, err := run(t, "status", "missing", "-c", sqliteConfig(t))
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestSubmit_DispatchWithoutAgents(t *testing.T) {
	_, err := run(t, "submit", "echo", "-c", sqliteConfig(t), "--dispatch", "--capability", "echo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatching task")
}

func TestAgents_Empty(t *testing.T) {
	out, err := run(t, "agents", "-c", sqliteConfig(t), "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "No live agents.")
}

func TestMemoryBackendRejected(t *testing.T) {
	cfg := writeConfig(t, "store:\n  backend: memory\n")
	_, err := run(t, "stats", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend")
}

func TestSubmit_BadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"payload", []string{"--payload", "{nope"}, "--payload"},
		{"priority", []string{"--priority", "critical"}, "priority"},
		{"timeout", []string{"--timeout", "2h"}, "timeout"},
		{"retries", []string{"--retries", "99"}, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"submit", "echo", "-c", sqliteConfig(t)}, tt.args...)
			_, err := run(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "taskforge "))
}
