// Package persistence provides durable storage for credentials, tasks,
// per-agent backlog, and pinned-panel pointers. The primary implementation
// is SQLite; when no database URL is configured a JSON file fallback stores
// credentials only and task data stays in memory.
//
// Failure policy: write failures are logged and swallowed by callers (the
// in-memory state stays authoritative; a later write reconciles), while read
// failures during startup are fatal.
package persistence

import (
	"context"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusRejected         Status = "rejected"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingApproval, StatusApproved, StatusRunning,
		StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Credential identifies an agent. agent_name and token are a bijection.
type Credential struct {
	AgentName string    `json:"agent_name"`
	Token     string    `json:"token"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the persisted unit of work.
type Task struct {
	TaskID          string     `json:"task_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Content         string     `json:"content"`
	Status          Status     `json:"status"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ChatID          int64      `json:"chat_id"`
	MessageID       int        `json:"message_id"`
	ConversationID  string     `json:"conversation_id"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	ResultMessageID int        `json:"result_message_id,omitempty"`
}

// CredentialRepo stores agent credentials.
type CredentialRepo interface {
	Upsert(ctx context.Context, cred Credential) error
	FindByName(ctx context.Context, agentName string) (*Credential, error)
	Delete(ctx context.Context, agentName string) error
	LoadAll(ctx context.Context) ([]Credential, error)
}

// TaskRepo stores tasks and the per-agent backlog. Backlog rows reference
// task rows, so UpsertTask must complete before SaveBacklog for the same id.
type TaskRepo interface {
	UpsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	SaveBacklog(ctx context.Context, agentName, taskID string) error
	RemoveBacklog(ctx context.Context, agentName, taskID string) error
	// LoadActive returns all non-terminal tasks.
	LoadActive(ctx context.Context) ([]Task, error)
	// LoadBacklog returns task ids per agent in insertion order.
	LoadBacklog(ctx context.Context) (map[string][]string, error)
	// FindRecent returns up to limit (capped at 20) tasks ordered by
	// creation time descending, optionally filtered by target agent.
	FindRecent(ctx context.Context, agentName string, limit int) ([]Task, error)
}

// PanelRepo stores pinned status-panel message pointers per chat.
type PanelRepo interface {
	SavePanel(ctx context.Context, chatID int64, messageID int) error
	LoadPanels(ctx context.Context) (map[int64]int, error)
}

// Store bundles the repositories behind one handle.
type Store interface {
	Credentials() CredentialRepo
	Tasks() TaskRepo
	Panels() PanelRepo
	Close() error
}
