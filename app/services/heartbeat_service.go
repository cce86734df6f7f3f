package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"
	"fleet-svc/app/metrics"

	"github.com/google/uuid"
)

// ServerUsage is one server's usage sample carried in a heartbeat.
type ServerUsage struct {
	ServerID uuid.UUID
	CPU      float64
	RAM      float64
}

// HeartbeatUpdate is the optional state an agent declares alongside a
// liveness ping.
type HeartbeatUpdate struct {
	Status       *domains.AgentStatus
	Resources    *domains.MachineResources
	Servers      []ServerUsage
	Capabilities map[string]interface{}
	Version      string
}

// HeartbeatService ingests agent liveness pings and demotes silent
// agents. Absence of heartbeats is the only offline signal; there is
// no active probing.
type HeartbeatService struct {
	storage clients.StorageAdapter
	logger  *slog.Logger
}

// NewHeartbeatService creates a new heartbeat service.
func NewHeartbeatService(storage clients.StorageAdapter, logger *slog.Logger) *HeartbeatService {
	return &HeartbeatService{storage: storage, logger: logger}
}

// Ingest records a heartbeat: the agent's last-heartbeat moves to now,
// declared state is applied, and liveness propagates to the owning
// machine. Per-server usage samples update each server's snapshot;
// samples for servers the agent does not own are skipped.
func (s *HeartbeatService) Ingest(ctx context.Context, agentExternalID string, upd HeartbeatUpdate) error {
	agent, err := s.storage.GetAgentByExternalID(ctx, agentExternalID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("agent %s: %w", agentExternalID, domains.ErrNotFound)
	}

	now := time.Now()
	status := domains.AgentOnline
	if upd.Status != nil {
		status = *upd.Status
	}

	var version *string
	if upd.Version != "" {
		version = &upd.Version
	}

	if err := s.storage.UpdateAgentLiveness(ctx, agent.ID, status, clients.LivenessUpdate{
		Heartbeat:    &now,
		Capabilities: upd.Capabilities,
		Version:      version,
	}); err != nil {
		return fmt.Errorf("failed to update agent liveness: %w", err)
	}

	// Machine liveness follows only a live agent. A ping that declares
	// the agent OFFLINE is a farewell, not evidence the machine serves.
	if status == domains.AgentOnline {
		if err := s.storage.UpdateMachineLiveness(ctx, agent.MachineID, domains.MachineOnline, clients.LivenessUpdate{
			Heartbeat: &now,
			Version:   version,
			Resources: upd.Resources,
		}); err != nil {
			return fmt.Errorf("failed to update machine liveness: %w", err)
		}
	}

	for _, usage := range upd.Servers {
		server, err := s.storage.GetServer(ctx, usage.ServerID)
		if err != nil || server == nil {
			s.logger.Warn("heartbeat usage for unknown server", "server_id", usage.ServerID, "agent_id", agentExternalID)
			continue
		}
		if server.AgentID == nil || *server.AgentID != agent.ID {
			s.logger.Warn("heartbeat usage for server owned by another agent", "server_id", usage.ServerID, "agent_id", agentExternalID)
			continue
		}
		if err := s.storage.UpdateServerUsage(ctx, usage.ServerID, domains.ResourceUsage{CPU: usage.CPU, RAM: usage.RAM, ReportedAt: now}); err != nil {
			s.logger.Warn("failed to store server usage", "server_id", usage.ServerID, "error", err)
		}
	}

	metrics.HeartbeatsIngested.Inc()
	return nil
}

// SweepOffline demotes every ONLINE agent whose last heartbeat is
// older than threshold. A machine goes OFFLINE only when it has no
// other live agent. Idempotent: a second sweep with no intervening
// heartbeat finds nothing left to demote. Per-agent failures are
// isolated. Returns the number of agents demoted.
func (s *HeartbeatService) SweepOffline(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)

	stale, err := s.storage.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale agents: %w", err)
	}

	demoted := 0
	for _, agent := range stale {
		if err := s.storage.UpdateAgentLiveness(ctx, agent.ID, domains.AgentOffline, clients.LivenessUpdate{}); err != nil {
			s.logger.Error("failed to demote agent", "agent_id", agent.AgentID, "error", err)
			continue
		}
		demoted++
		metrics.AgentsDemoted.Inc()
		s.logger.Info("agent demoted to offline", "agent_id", agent.AgentID, "last_heartbeat", agent.LastHeartbeat)

		live, err := s.storage.CountLiveAgentsOnMachine(ctx, agent.MachineID, cutoff, agent.ID)
		if err != nil {
			s.logger.Error("failed to count live agents on machine", "machine_id", agent.MachineID, "error", err)
			continue
		}
		if live == 0 {
			if err := s.storage.UpdateMachineLiveness(ctx, agent.MachineID, domains.MachineOffline, clients.LivenessUpdate{}); err != nil {
				s.logger.Error("failed to demote machine", "machine_id", agent.MachineID, "error", err)
			}
		}
	}
	return demoted, nil
}
