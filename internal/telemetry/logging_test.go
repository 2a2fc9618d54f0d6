package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		t.Fatal("no log lines written")
	}
	return out
}

func TestNewLoggerSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup", "phase", "config_loaded", "task_id", "task-1")

	entry := readEntries(t, home)[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q: %#v", key, entry)
		}
	}
	if entry["component"] != "hub" {
		t.Fatalf("component = %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("task_id = %#v", entry["task_id"])
	}
}

func TestNewLoggerRedaction(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security",
		"api_key", "abc123",
		"header", "Authorization: Bearer super-secret",
		"detail", "credential agt_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA issued",
	)

	entries := readEntries(t, home)
	entry := entries[len(entries)-1]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key = %#v", entry["api_key"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("header = %#v", entry["header"])
	}
	detail, _ := entry["detail"].(string)
	if strings.Contains(detail, "agt_A") || !strings.Contains(detail, "agt_[REDACTED]") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
