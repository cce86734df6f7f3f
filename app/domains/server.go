package domains

import (
	"time"

	"github.com/google/uuid"
)

// ServerStatus is the lifecycle status of a game-server instance.
type ServerStatus string

const (
	ServerStarting   ServerStatus = "STARTING"
	ServerOnline     ServerStatus = "ONLINE"
	ServerStopping   ServerStatus = "STOPPING"
	ServerRestarting ServerStatus = "RESTARTING"
	ServerOffline    ServerStatus = "OFFLINE"
	ServerError      ServerStatus = "ERROR"
)

// ResourceUsage is the latest usage snapshot for one server, in
// percent of its allocation. ReportedAt is set only when an agent
// reports the sample; status writes never touch it, so it is the
// evidence of when the agent last saw the server running.
type ResourceUsage struct {
	CPU        float64   `json:"cpu"`
	RAM        float64   `json:"ram"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

// ResourceLimits is the server's current resource allocation.
type ResourceLimits struct {
	RAMMB    int `json:"ram_mb"`
	CPUCores int `json:"cpu_cores"`
}

// ServerConfig is the configuration blob attached to a server. Only
// the resource limits are interpreted by the controller; the rest is
// opaque game configuration forwarded to the agent.
type ServerConfig struct {
	ResourceLimits ResourceLimits         `json:"resource_limits"`
	GameType       string                 `json:"game_type,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Server is one game-server instance, bound to zero or one agent.
type Server struct {
	ID            uuid.UUID      `db:"id"`
	Name          string         `db:"name"`
	UserID        string         `db:"user_id"`
	AgentID       *uuid.UUID     `db:"agent_id"`
	Status        ServerStatus   `db:"status"`
	Port          *int           `db:"port"`
	IPAddress     *string        `db:"ip_address"`
	ResourceUsage *ResourceUsage `db:"resource_usage"`
	Config        ServerConfig   `db:"config"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}
