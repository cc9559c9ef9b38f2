package bus

import "time"

// Task and agent topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicAgentCheckIn     = "agent.checkin"
	// TopicAgentWake carries wake messages to in-process agents. The full
	// topic is TopicAgentWake + "." + target.
	TopicAgentWake = "agent.wake"
)

// Wake topics. Subscribe to "wake." for all of them.
const (
	TopicWakeSilent       = "wake.silent"
	TopicWakeEscalated    = "wake.escalated"
	TopicWakeAcknowledged = "wake.acknowledged"
	TopicWakeCleared      = "wake.cleared"
	TopicWakeFailed       = "wake.failed"
)

// TaskStateChangedEvent is published when a task's status changes.
// OldStatus is empty for a newly created task.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// AgentCheckInEvent is published whenever an agent checks in or pulls work.
type AgentCheckInEvent struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
	Pull    bool      `json:"pull"`
}

// WakeEvent describes one step of a wake cycle for an agent.
type WakeEvent struct {
	AgentID string    `json:"agent_id"`
	TaskIDs []string  `json:"task_ids,omitempty"`
	Tier    string    `json:"tier,omitempty"` // "silent" or "visible"
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// AgentWakeEvent is a wake message delivered over the bus channel.
type AgentWakeEvent struct {
	AgentID string `json:"agent_id"`
	Target  string `json:"target"`
	Message string `json:"message"`
}
