package bus

// Kernel event topics. Published by the store and services on every
// observable state change; the gateway forwards them to WebSocket clients.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskClaimed      = "task.claimed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"

	TopicLockAcquired      = "lock.acquired"
	TopicLockForceReleased = "lock.force_released"

	TopicAgentStuck      = "agent.stuck"
	TopicAgentTerminated = "agent.terminated"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. IN_PROGRESS)
	AgentID   string // Assignee at the time of the change, if any
}

// TaskClaimedEvent is published when a runner wins a claim.
type TaskClaimedEvent struct {
	TaskID     string // Task ID
	AgentID    string // Newly created agent ID
	SessionID  string // Runner session that claimed
	BranchName string // Branch derived from the task ID
}

// TaskRetryEvent is published when a failed task is re-queued for retry.
type TaskRetryEvent struct {
	TaskID      string // Task ID
	FailureType string // Classified failure type (empty for manual retries)
	Attempt     int    // Verification attempt counter after the reset
	Manual      bool   // True for operator-initiated full resets
}

// LockForceReleasedEvent is published on administrative lock override.
type LockForceReleasedEvent struct {
	Path          string // Normalized file path
	PreviousAgent string // Agent that held the lock
	Reason        string // Operator-supplied reason
}

// AgentStuckEvent is published when the supervisor detects a stalled agent.
type AgentStuckEvent struct {
	AgentID      string // Agent ID
	TaskID       string // Task the agent was working on, if any
	IdleDuration string // How long the agent has been silent
}
