package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "info", "debug", "warn", "warning", "ERROR"} {
		if _, err := parseLevel(s); err != nil {
			t.Errorf("parseLevel(%q): %v", s, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("parseLevel(loud) succeeded, want error")
	}
}

func TestNew_WritesComponentField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskforge.log")
	l, err := New(Config{Level: "debug", Format: "json", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := l.Component("scheduler")
	log.Info().Str("task_id", "t1").Msg("task started")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"component":"scheduler"`, `"task_id":"t1"`, `"message":"task started"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}
