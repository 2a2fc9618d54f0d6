package bus

// Agent presence topics.
const (
	TopicAgentOnline  = "agent.online"
	TopicAgentOffline = "agent.offline"
)

// Task lifecycle topics.
const (
	TopicTaskProgress  = "task.progress"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"
)

// AgentPresenceEvent is published when an agent connects or disconnects.
type AgentPresenceEvent struct {
	AgentName string
	OwnerID   int64
}

// TaskProgressEvent is published for each accepted task_progress frame.
type TaskProgressEvent struct {
	TaskID    string
	AgentName string
	Status    string
	Detail    string
	ElapsedMS int64
}

// TaskTerminalEvent is published once when a task reaches a terminal status.
type TaskTerminalEvent struct {
	TaskID    string
	AgentName string
	Status    string // completed | failed | cancelled
	Result    string
}
