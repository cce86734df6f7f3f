package dto

// RegisterAgentRequest is the agent registration body. The agent picks
// its own external identifier; the controller generates one when it is
// omitted.
type RegisterAgentRequest struct {
	MachineID    string                 `json:"machine_id" validate:"required,uuid4"`
	AgentID      string                 `json:"agent_id,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
}

// ServerUsageReport is one server's usage snapshot inside a heartbeat.
type ServerUsageReport struct {
	ServerID string  `json:"server_id" validate:"required,uuid4"`
	CPU      float64 `json:"cpu" validate:"min=0,max=100"`
	RAM      float64 `json:"ram" validate:"min=0,max=100"`
}

// HeartbeatRequest is the periodic liveness ping from an agent.
type HeartbeatRequest struct {
	AgentID      string                 `json:"agent_id" validate:"required"`
	Status       string                 `json:"status,omitempty" validate:"omitempty,oneof=ONLINE OFFLINE"`
	Resources    *MachineResources      `json:"resources,omitempty"`
	Servers      []ServerUsageReport    `json:"servers,omitempty" validate:"dive"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
	Version      string                 `json:"version,omitempty"`
}

// MachineResources mirrors the agent's machine-level usage sample.
type MachineResources struct {
	CPU        float64 `json:"cpu" validate:"min=0"`
	RAMMB      int     `json:"ram_mb" validate:"min=0"`
	DiskMB     int     `json:"disk_mb" validate:"min=0"`
	NetworkIn  int64   `json:"network_in" validate:"min=0"`
	NetworkOut int64   `json:"network_out" validate:"min=0"`
}

// CompleteTaskRequest reports a task the agent finished successfully.
type CompleteTaskRequest struct {
	Result map[string]interface{} `json:"result,omitempty"`
}

// FailTaskRequest reports a task the agent could not finish.
type FailTaskRequest struct {
	Error string `json:"error" validate:"required"`
}

// CreateMachineRequest registers a host in the fleet.
type CreateMachineRequest struct {
	Name        string `json:"name" validate:"required"`
	IPAddress   string `json:"ip_address" validate:"required,ip"`
	SSHPort     int    `json:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SSHUser     string `json:"ssh_user" validate:"required"`
	SSHKeyPath  string `json:"ssh_key_path,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`
}

// CreateServerRequest creates a game-server record.
type CreateServerRequest struct {
	Name     string `json:"name" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	AgentID  string `json:"agent_id,omitempty" validate:"omitempty,uuid4"`
	GameType string `json:"game_type,omitempty"`
	RAMMB    int    `json:"ram_mb,omitempty" validate:"omitempty,min=1024,max=16384"`
	CPUCores int    `json:"cpu_cores,omitempty" validate:"omitempty,min=1,max=8"`
}

// CreateTaskRequest enqueues work for an agent. AgentID is the agent's
// external identifier.
type CreateTaskRequest struct {
	AgentID  string                 `json:"agent_id" validate:"required"`
	Type     string                 `json:"type" validate:"required,oneof=INSTALL START STOP RESTART UPDATE BACKUP DELETE SCALE_UP SCALE_DOWN"`
	ServerID string                 `json:"server_id,omitempty" validate:"omitempty,uuid4"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Execute  bool                   `json:"execute,omitempty"`
}

// ScaleRequest triggers a scaling action on a server.
type ScaleRequest struct {
	Action string `json:"action" validate:"required,oneof=scale_up scale_down"`
}

// LoginRequest exchanges the operator credential for a session token.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}
