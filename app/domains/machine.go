package domains

import (
	"time"

	"github.com/google/uuid"
)

// MachineStatus is the lifecycle status of a host machine.
type MachineStatus string

const (
	MachineOnline  MachineStatus = "ONLINE"
	MachineOffline MachineStatus = "OFFLINE"
	MachineUnknown MachineStatus = "UNKNOWN"
)

// MachineResources is the last machine-level usage snapshot reported
// by the agent heartbeat.
type MachineResources struct {
	CPU        float64 `json:"cpu"`
	RAMMB      int     `json:"ram_mb"`
	DiskMB     int     `json:"disk_mb"`
	NetworkIn  int64   `json:"network_in"`
	NetworkOut int64   `json:"network_out"`
}

// Machine represents a physical or virtual host capable of running one
// agent and zero or more game servers. Shell credentials are used only
// by the bootstrap flow; they are never written to logs.
type Machine struct {
	ID            uuid.UUID         `db:"id"`
	Name          string            `db:"name"`
	IPAddress     string            `db:"ip_address"`
	SSHPort       int               `db:"ssh_port"`
	SSHUser       string            `db:"ssh_user"`
	SSHKeyPath    *string           `db:"ssh_key_path"`
	SSHPassword   *string           `db:"ssh_password"`
	Status        MachineStatus     `db:"status"`
	LastHeartbeat *time.Time        `db:"last_heartbeat"`
	AgentVersion  *string           `db:"agent_version"`
	Resources     *MachineResources `db:"resources"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
}
