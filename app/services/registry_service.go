package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"

	"github.com/google/uuid"
)

// RegistryService owns the fleet inventory: machines, agents and
// servers. Registration is the only path that creates agents; the
// bearer key handed out there is the agent's sole credential.
type RegistryService struct {
	storage clients.StorageAdapter
	keys    *APIKeyService
	logger  *slog.Logger
}

// NewRegistryService creates a new registry service.
func NewRegistryService(storage clients.StorageAdapter, keys *APIKeyService, logger *slog.Logger) *RegistryService {
	return &RegistryService{storage: storage, keys: keys, logger: logger}
}

// RegisterAgent binds an agent to a machine and issues its bearer key.
// An agent re-registering under its existing external identifier gets
// a fresh key on the same record, which immediately invalidates the
// old one. Returns the agent, the plaintext key (shown once) and the
// machine.
func (s *RegistryService) RegisterAgent(ctx context.Context, machineID uuid.UUID, externalID, version string, capabilities map[string]interface{}) (*domains.Agent, string, *domains.Machine, error) {
	machine, err := s.storage.GetMachine(ctx, machineID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load machine: %w", err)
	}
	if machine == nil {
		return nil, "", nil, fmt.Errorf("machine %s: %w", machineID, domains.ErrNotFound)
	}

	now := time.Now()

	if externalID != "" {
		existing, err := s.storage.GetAgentByExternalID(ctx, externalID)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to look up agent: %w", err)
		}
		if existing != nil {
			if existing.MachineID != machineID {
				return nil, "", nil, fmt.Errorf("agent %s is registered on another machine: %w", externalID, domains.ErrValidation)
			}
			var v *string
			if version != "" {
				v = &version
			}
			if err := s.storage.UpdateAgentLiveness(ctx, existing.ID, domains.AgentOnline, clients.LivenessUpdate{
				Heartbeat:    &now,
				Capabilities: capabilities,
				Version:      v,
			}); err != nil {
				return nil, "", nil, fmt.Errorf("failed to refresh agent: %w", err)
			}
			key, err := s.keys.Issue(ctx, existing.ID)
			if err != nil {
				return nil, "", nil, err
			}
			s.logger.Info("agent re-registered", "agent_id", externalID, "machine_id", machineID)
			return existing, key, machine, nil
		}
	}

	if externalID == "" {
		externalID = uuid.New().String()
	}

	agent := &domains.Agent{
		ID:            uuid.New(),
		AgentID:       externalID,
		MachineID:     machineID,
		Status:        domains.AgentOnline,
		LastHeartbeat: &now,
		Capabilities:  capabilities,
		Version:       version,
	}
	if err := s.storage.CreateAgent(ctx, agent); err != nil {
		return nil, "", nil, fmt.Errorf("failed to create agent: %w", err)
	}

	key, err := s.keys.Issue(ctx, agent.ID)
	if err != nil {
		return nil, "", nil, err
	}

	s.logger.Info("agent registered", "agent_id", externalID, "machine_id", machineID)
	return agent, key, machine, nil
}

// CreateMachine records a host. Status starts UNKNOWN until its agent
// is installed and heartbeats.
func (s *RegistryService) CreateMachine(ctx context.Context, m *domains.Machine) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.SSHPort == 0 {
		m.SSHPort = 22
	}
	m.Status = domains.MachineUnknown
	if err := s.storage.CreateMachine(ctx, m); err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	s.logger.Info("machine registered", "machine_id", m.ID, "name", m.Name)
	return nil
}

// GetMachine returns one machine, nil when absent.
func (s *RegistryService) GetMachine(ctx context.Context, id uuid.UUID) (*domains.Machine, error) {
	return s.storage.GetMachine(ctx, id)
}

// ListMachines returns all machines.
func (s *RegistryService) ListMachines(ctx context.Context) ([]domains.Machine, error) {
	return s.storage.ListMachines(ctx)
}

// ListAgents returns all agents.
func (s *RegistryService) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	return s.storage.ListAgents(ctx)
}

// GetAgentByExternalID returns the agent with the given external
// identifier, nil when absent.
func (s *RegistryService) GetAgentByExternalID(ctx context.Context, externalID string) (*domains.Agent, error) {
	return s.storage.GetAgentByExternalID(ctx, externalID)
}

// CreateServer records a game server. Status starts OFFLINE; the
// INSTALL task drives it through STARTING.
func (s *RegistryService) CreateServer(ctx context.Context, srv *domains.Server) error {
	if srv.ID == uuid.Nil {
		srv.ID = uuid.New()
	}
	if srv.AgentID != nil {
		agent, err := s.storage.GetAgentByID(ctx, *srv.AgentID)
		if err != nil {
			return fmt.Errorf("failed to load agent: %w", err)
		}
		if agent == nil {
			return fmt.Errorf("agent %s: %w", *srv.AgentID, domains.ErrNotFound)
		}
	}
	srv.Status = domains.ServerOffline
	if err := s.storage.CreateServer(ctx, srv); err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	s.logger.Info("server created", "server_id", srv.ID, "name", srv.Name)
	return nil
}

// GetServer returns one server, nil when absent.
func (s *RegistryService) GetServer(ctx context.Context, id uuid.UUID) (*domains.Server, error) {
	return s.storage.GetServer(ctx, id)
}

// ListServers returns all servers.
func (s *RegistryService) ListServers(ctx context.Context) ([]domains.Server, error) {
	return s.storage.ListServers(ctx)
}
