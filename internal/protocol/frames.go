// Package protocol defines the JSON wire frames exchanged between the hub
// and remote worker agents over WebSocket.
//
// Every frame is a single JSON object carrying a "type" field that selects
// the payload shape. Dispatch is a closed sum over Type: unknown types and
// malformed frames are dropped silently by the gateway.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Agent → Hub frame types.
const (
	TypeRegister      = "register"
	TypePong          = "pong"
	TypeTaskResult    = "task_result"
	TypeTaskCancelled = "task_cancelled"
	TypeTaskProgress  = "task_progress"
	TypeStatusReport  = "status_report"
	TypeListAgents    = "list_agents"
	TypeTaskStatus    = "task_status"
	TypeSendMessage   = "send_message"
)

// Hub → Agent frame types.
const (
	TypeRegisterAck        = "register_ack"
	TypePing               = "ping"
	TypeTask               = "task"
	TypeCancelTask         = "cancel_task"
	TypeListAgentsResponse = "list_agents_response"
	TypeTaskStatusResponse = "task_status_response"
)

// Result status values carried by TaskResult.Status.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// agentNamePattern constrains agent names to ASCII word characters.
var agentNamePattern = regexp.MustCompile(`^\w+$`)

// ValidAgentName reports whether name is a non-empty ASCII word.
func ValidAgentName(name string) bool {
	return name != "" && len(name) <= 64 && agentNamePattern.MatchString(name)
}

// Envelope is the minimal decode target used to demultiplex inbound frames.
type Envelope struct {
	Type string `json:"type"`
}

// Register is the mandatory first frame on a new connection.
type Register struct {
	Type      string `json:"type"`
	AgentName string `json:"agent_name"`
	Token     string `json:"token"`
}

// RegisterAck acknowledges (or refuses) a Register.
type RegisterAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Ping is the hub heartbeat probe; agents answer with Pong.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping. Any inbound frame also refreshes liveness.
type Pong struct {
	Type string `json:"type"`
}

// Attachment is a small inline file carried on a Task frame.
type Attachment struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
	Size       int    `json:"size"`
}

// Task dispatches a unit of work to an agent.
type Task struct {
	Type           string       `json:"type"`
	TaskID         string       `json:"task_id"`
	From           string       `json:"from"`
	Content        string       `json:"content"`
	ChatID         int64        `json:"chat_id"`
	MessageID      int          `json:"message_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	ParentTaskID   string       `json:"parent_task_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// TaskResult is the single terminal outcome an agent reports for a task.
type TaskResult struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Result string `json:"result"`
	Status string `json:"status"` // "success" | "error"
}

// TaskCancelled acknowledges a CancelTask.
type TaskCancelled struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// TaskProgress is a non-terminal execution update.
type TaskProgress struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"` // thinking | tool_use | responding | free-form
	Detail    string `json:"detail,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// StatusReport carries an agent's runtime counters.
type StatusReport struct {
	Type          string `json:"type"`
	RunningTasks  int    `json:"running_tasks"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	IdleSince     string `json:"idle_since,omitempty"`
}

// CancelTask asks the owning agent to abort a running task.
type CancelTask struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// ListAgents is a request-reply query; the response echoes RequestID.
type ListAgents struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// AgentSummary describes one agent in a ListAgentsResponse.
type AgentSummary struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	ConnectedAt string `json:"connected_at"`
	LastSeen    string `json:"last_seen"`
	OwnerID     int64  `json:"owner_id,omitempty"`
}

// ListAgentsResponse answers a ListAgents request.
type ListAgentsResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Agents    []AgentSummary `json:"agents"`
}

// TaskStatusQuery is a request-reply lookup of a single task.
type TaskStatusQuery struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
}

// TaskStatusResponse answers a TaskStatusQuery. Task is null when unknown.
type TaskStatusResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Task      json.RawMessage `json:"task"`
}

// SendMessage is reserved for agent-to-agent relay; the current hub treats
// it as a no-op.
type SendMessage struct {
	Type        string `json:"type"`
	TargetAgent string `json:"target_agent"`
	Content     string `json:"content"`
}

// Decode parses raw into the typed frame named by its "type" field. It
// returns the typed frame, the type tag, and an error for malformed JSON,
// unknown types, or frames missing required fields. Callers drop erroneous
// frames without replying.
func Decode(raw []byte) (any, string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Type {
	case TypeRegister:
		var f Register
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if !ValidAgentName(f.AgentName) {
			return nil, env.Type, fmt.Errorf("register: invalid agent_name")
		}
		if f.Token == "" {
			return nil, env.Type, fmt.Errorf("register: missing token")
		}
		return &f, env.Type, nil
	case TypePong:
		return &Pong{Type: env.Type}, env.Type, nil
	case TypeTaskResult:
		var f TaskResult
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if f.TaskID == "" {
			return nil, env.Type, fmt.Errorf("task_result: missing task_id")
		}
		if f.Status != ResultSuccess && f.Status != ResultError {
			return nil, env.Type, fmt.Errorf("task_result: bad status %q", f.Status)
		}
		return &f, env.Type, nil
	case TypeTaskCancelled:
		var f TaskCancelled
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if f.TaskID == "" {
			return nil, env.Type, fmt.Errorf("task_cancelled: missing task_id")
		}
		return &f, env.Type, nil
	case TypeTaskProgress:
		var f TaskProgress
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if f.TaskID == "" {
			return nil, env.Type, fmt.Errorf("task_progress: missing task_id")
		}
		return &f, env.Type, nil
	case TypeStatusReport:
		var f StatusReport
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		return &f, env.Type, nil
	case TypeListAgents:
		var f ListAgents
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if f.RequestID == "" {
			return nil, env.Type, fmt.Errorf("list_agents: missing request_id")
		}
		return &f, env.Type, nil
	case TypeTaskStatus:
		var f TaskStatusQuery
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		if f.RequestID == "" || f.TaskID == "" {
			return nil, env.Type, fmt.Errorf("task_status: missing request_id or task_id")
		}
		return &f, env.Type, nil
	case TypeSendMessage:
		var f SendMessage
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, env.Type, err
		}
		return &f, env.Type, nil
	default:
		return nil, env.Type, fmt.Errorf("unknown frame type %q", env.Type)
	}
}
