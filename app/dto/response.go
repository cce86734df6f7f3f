package dto

import "fleet-svc/app/domains"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// RegisterAgentResponse returns the new agent identity and its bearer
// key. The key is shown exactly once.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
	Machine string `json:"machine"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// TaskResponse is one task as seen by agents and operators.
type TaskResponse struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ServerID    string                 `json:"server_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// CreateTaskResponse returns the enqueued task id.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RegenerateKeyResponse returns the replacement bearer key, shown once.
type RegenerateKeyResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// TestSSHResponse is the pre-flight shell reachability result.
type TestSSHResponse struct {
	Reachable bool   `json:"reachable"`
	Detail    string `json:"detail,omitempty"`
}

// ReinstallResponse acknowledges a detached agent reinstall.
type ReinstallResponse struct {
	TaskID string `json:"task_id"`
}

// SyncStatusResponse reports one reconciliation outcome.
type SyncStatusResponse struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Details   string `json:"details,omitempty"`
}

// ScalingDecisionResponse is the pure scaling decision for a server.
type ScalingDecisionResponse struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// CronJobResult summarizes one job of a combined cron invocation.
type CronJobResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// CronResponse summarizes a /admin/system/cron run.
type CronResponse struct {
	Jobs map[string]CronJobResult `json:"jobs"`
}

// LoginResponse carries the operator session token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// MachineResponse is one machine row for operators. Shell credentials
// are not echoed back.
type MachineResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	IPAddress     string        `json:"ip_address"`
	SSHPort       int           `json:"ssh_port"`
	SSHUser       string        `json:"ssh_user"`
	Status        string        `json:"status"`
	LastHeartbeat string        `json:"last_heartbeat,omitempty"`
	AgentVersion  string        `json:"agent_version,omitempty"`
	Resources     interface{}   `json:"resources,omitempty"`
}

// AgentResponse is one agent row for operators. The key hash stays
// server-side.
type AgentResponse struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	MachineID     string                 `json:"machine_id"`
	Status        string                 `json:"status"`
	LastHeartbeat string                 `json:"last_heartbeat,omitempty"`
	Capabilities  map[string]interface{} `json:"capabilities,omitempty"`
	Version       string                 `json:"version,omitempty"`
}

// ListAgentsResponse wraps an agent listing.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// ListMachinesResponse wraps a machine listing.
type ListMachinesResponse struct {
	Machines []MachineResponse `json:"machines"`
}

// ServerResponse is one server row for operators.
type ServerResponse struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	UserID        string                 `json:"user_id"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Status        string                 `json:"status"`
	Port          int                    `json:"port,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	ResourceUsage *domains.ResourceUsage `json:"resource_usage,omitempty"`
	Config        domains.ServerConfig   `json:"config"`
}

// ListServersResponse wraps a server listing.
type ListServersResponse struct {
	Servers []ServerResponse `json:"servers"`
}
