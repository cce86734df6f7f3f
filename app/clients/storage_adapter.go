package clients

import (
	"context"
	"time"

	"fleet-svc/app/domains"

	"github.com/google/uuid"
)

// TaskFilter narrows admin task listings. Nil fields are ignored;
// Limit <= 0 means no limit.
type TaskFilter struct {
	AgentID  *uuid.UUID
	ServerID *uuid.UUID
	Status   *domains.TaskStatus
	Type     *domains.TaskType
	Limit    int
}

// LivenessUpdate carries the mutable liveness fields written by the
// heartbeat monitor and the bootstrap flow. Nil fields are left
// untouched.
type LivenessUpdate struct {
	Heartbeat    *time.Time
	Capabilities map[string]interface{}
	Version      *string
	Resources    *domains.MachineResources
}

// StorageAdapter is the registry: the durable source of truth for
// machines, agents, servers and tasks. Lookups return (nil, nil) when
// the row does not exist; conditional task transitions return
// domains.ErrInvalidState when the precondition fails.
type StorageAdapter interface {
	// Machines
	CreateMachine(ctx context.Context, m *domains.Machine) error
	GetMachine(ctx context.Context, id uuid.UUID) (*domains.Machine, error)
	ListMachines(ctx context.Context) ([]domains.Machine, error)
	UpdateMachineLiveness(ctx context.Context, id uuid.UUID, status domains.MachineStatus, upd LivenessUpdate) error

	// Agents
	CreateAgent(ctx context.Context, a *domains.Agent) error
	GetAgentByID(ctx context.Context, id uuid.UUID) (*domains.Agent, error)
	GetAgentByExternalID(ctx context.Context, agentID string) (*domains.Agent, error)
	GetAgentByKeyHash(ctx context.Context, hash string) (*domains.Agent, error)
	SetAgentKeyHash(ctx context.Context, id uuid.UUID, hash string) error
	UpdateAgentLiveness(ctx context.Context, id uuid.UUID, status domains.AgentStatus, upd LivenessUpdate) error
	ListAgents(ctx context.Context) ([]domains.Agent, error)
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]domains.Agent, error)
	CountLiveAgentsOnMachine(ctx context.Context, machineID uuid.UUID, cutoff time.Time, exclude uuid.UUID) (int, error)

	// Servers
	CreateServer(ctx context.Context, s *domains.Server) error
	GetServer(ctx context.Context, id uuid.UUID) (*domains.Server, error)
	ListServers(ctx context.Context) ([]domains.Server, error)
	ListActiveServers(ctx context.Context) ([]domains.Server, error)
	UpdateServerStatus(ctx context.Context, id uuid.UUID, status domains.ServerStatus) error
	UpdateServerConfig(ctx context.Context, id uuid.UUID, cfg domains.ServerConfig) error
	UpdateServerUsage(ctx context.Context, id uuid.UUID, usage domains.ResourceUsage) error
	UpdateServerEndpoint(ctx context.Context, id uuid.UUID, ip *string, port *int) error
	MaxServerPort(ctx context.Context) (int, error)

	// Tasks
	CreateTask(ctx context.Context, t *domains.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*domains.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domains.Task, error)
	ListTasksForAgent(ctx context.Context, agentID uuid.UUID, status domains.TaskStatus, limit int) ([]domains.Task, error)
	ListPendingTasks(ctx context.Context, limit int) ([]domains.Task, error)
	MarkTaskRunning(ctx context.Context, id uuid.UUID) (*domains.Task, error)
	FinishTask(ctx context.Context, id uuid.UUID, status domains.TaskStatus, result map[string]interface{}, errMsg *string) (*domains.Task, error)
}
