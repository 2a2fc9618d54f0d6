// Package audit keeps an append-only JSONL trail of task transitions and
// credential events under <home>/logs/audit.jsonl. Writes are best-effort:
// a broken audit file never blocks the hub.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	TaskID    string `json:"task_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

var (
	mu       sync.Mutex
	file     *os.File
	recorded atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries written since startup.
func Count() int64 {
	return recorded.Load()
}

// Transition records a task status change.
func Transition(taskID, agent, from, to string) {
	write(entry{Event: "task_transition", TaskID: taskID, Agent: agent, From: from, To: to})
}

// Credential records a token lifecycle event for an agent.
func Credential(event, agent, actor string) {
	write(entry{Event: event, Agent: agent, Actor: actor})
}

func write(ev entry) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err == nil {
		recorded.Add(1)
	}
}
