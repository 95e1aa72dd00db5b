package domain

// AgentStatus is the consumer-facing lifecycle status of a run stream.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusConnecting      AgentStatus = "connecting"
	StatusRunning         AgentStatus = "running"
	StatusStreaming       AgentStatus = "streaming"
	StatusReconnecting    AgentStatus = "reconnecting"
	StatusCompleted       AgentStatus = "completed"
	StatusStopped         AgentStatus = "stopped"
	StatusFailed          AgentStatus = "failed"
	StatusError           AgentStatus = "error"
	StatusAgentNotRunning AgentStatus = "agent_not_running"
)

// Terminal reports whether no further frames are expected for the run.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusError, StatusAgentNotRunning:
		return true
	}
	return false
}

// RunStatus is the authoritative backend status returned by the control
// plane's status lookup. Values outside the known set map to StatusError.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// AsAgentStatus maps a backend run status to the consumer-facing status.
func (s RunStatus) AsAgentStatus() AgentStatus {
	switch s {
	case RunStatusRunning:
		return StatusRunning
	case RunStatusCompleted:
		return StatusCompleted
	case RunStatusStopped:
		return StatusStopped
	case RunStatusFailed:
		return StatusFailed
	default:
		return StatusError
	}
}
