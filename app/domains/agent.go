package domains

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the liveness status of an agent process.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
)

// Agent is one worker process bound to exactly one machine. AgentID is
// the external identifier the agent itself knows; ID is the internal
// key, known only to the controller, and scopes task ownership.
// APIKeyHash holds the SHA-256 digest of the single active bearer
// credential; the plaintext is never stored.
type Agent struct {
	ID            uuid.UUID              `db:"id"`
	AgentID       string                 `db:"agent_id"`
	MachineID     uuid.UUID              `db:"machine_id"`
	APIKeyHash    string                 `db:"api_key_hash"`
	Status        AgentStatus            `db:"status"`
	LastHeartbeat *time.Time             `db:"last_heartbeat"`
	Capabilities  map[string]interface{} `db:"capabilities"`
	Version       string                 `db:"version"`
	CreatedAt     time.Time              `db:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at"`
}
