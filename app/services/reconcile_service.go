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

// SyncResult describes one reconciliation: the status before, the
// status after (equal when nothing changed) and a human-readable
// explanation of the evidence used.
type SyncResult struct {
	ServerID  uuid.UUID
	OldStatus domains.ServerStatus
	NewStatus domains.ServerStatus
	Details   string
}

// ReconcileService corrects drift between a server's recorded status
// and the state its agent actually reports. Evidence comes from agent
// liveness, in-flight tasks and heartbeat usage freshness; when the
// agent is unreachable the recorded status is left untouched rather
// than guessed at.
type ReconcileService struct {
	storage   clients.StorageAdapter
	staleness time.Duration
	logger    *slog.Logger
}

// NewReconcileService creates a reconciler. staleness is the same
// threshold the heartbeat sweep uses to call an agent silent.
func NewReconcileService(storage clients.StorageAdapter, staleness time.Duration, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{storage: storage, staleness: staleness, logger: logger}
}

// Sync reconciles one server. The recorded status is corrected only
// when the agent is live enough to trust; otherwise the result carries
// the diagnosis with OldStatus == NewStatus.
func (s *ReconcileService) Sync(ctx context.Context, serverID uuid.UUID) (*SyncResult, error) {
	server, err := s.storage.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s: %w", serverID, domains.ErrNotFound)
	}

	res := &SyncResult{ServerID: server.ID, OldStatus: server.Status, NewStatus: server.Status}

	if server.AgentID == nil {
		res.Details = "server is not bound to an agent; nothing to reconcile against"
		return res, nil
	}

	agent, err := s.storage.GetAgentByID(ctx, *server.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		res.Details = "owning agent no longer exists; status left as recorded"
		return res, nil
	}

	cutoff := time.Now().Add(-s.staleness)
	if agent.Status != domains.AgentOnline || agent.LastHeartbeat == nil || agent.LastHeartbeat.Before(cutoff) {
		res.Details = fmt.Sprintf("agent %s is not live; status left as recorded", agent.AgentID)
		return res, nil
	}

	// An in-flight task implies a transitional status regardless of
	// what the last heartbeat said about the server.
	running := domains.TaskRunning
	tasks, err := s.storage.ListTasks(ctx, clients.TaskFilter{ServerID: &server.ID, Status: &running, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight tasks: %w", err)
	}
	if len(tasks) > 0 {
		expected := transitionalStatus(tasks[0].Type)
		if expected != "" && expected != server.Status {
			if err := s.storage.UpdateServerStatus(ctx, server.ID, expected); err != nil {
				return nil, fmt.Errorf("failed to correct server status: %w", err)
			}
			res.NewStatus = expected
			res.Details = fmt.Sprintf("in-flight %s task implies %s", tasks[0].Type, expected)
			metrics.ServersReconciled.Inc()
			s.logger.Info("server status corrected", "server_id", server.ID, "old", res.OldStatus, "new", expected)
			return res, nil
		}
		res.Details = fmt.Sprintf("in-flight %s task, recorded status consistent", tasks[0].Type)
		return res, nil
	}

	// No in-flight work: a live agent reports usage for every server it
	// actually runs, so the age of the last reported sample is the
	// evidence. The row's UpdatedAt is not: status writes bump it too.
	reported := server.ResourceUsage != nil && server.ResourceUsage.ReportedAt.After(cutoff)
	expected := domains.ServerOffline
	if reported {
		expected = domains.ServerOnline
	}

	if expected == server.Status {
		res.Details = "recorded status matches agent evidence"
		return res, nil
	}

	// A server parked in ERROR stays there until the agent positively
	// reports it running; silence alone does not clear a failure.
	if server.Status == domains.ServerError && !reported {
		res.Details = "server held in ERROR until the agent reports it running"
		return res, nil
	}

	if err := s.storage.UpdateServerStatus(ctx, server.ID, expected); err != nil {
		return nil, fmt.Errorf("failed to correct server status: %w", err)
	}
	res.NewStatus = expected
	if reported {
		res.Details = "agent reports fresh usage for this server"
	} else {
		res.Details = "live agent has stopped reporting this server"
	}
	metrics.ServersReconciled.Inc()
	s.logger.Info("server status corrected", "server_id", server.ID, "old", res.OldStatus, "new", expected)
	return res, nil
}

// SyncAll reconciles every non-offline server. Per-server failures are
// isolated; the returned slice holds the results of the servers that
// were examined.
func (s *ReconcileService) SyncAll(ctx context.Context) ([]SyncResult, error) {
	servers, err := s.storage.ListActiveServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active servers: %w", err)
	}

	results := make([]SyncResult, 0, len(servers))
	for _, server := range servers {
		res, err := s.Sync(ctx, server.ID)
		if err != nil {
			s.logger.Error("server reconciliation failed", "server_id", server.ID, "error", err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func transitionalStatus(t domains.TaskType) domains.ServerStatus {
	switch t {
	case domains.TaskInstall, domains.TaskStart:
		return domains.ServerStarting
	case domains.TaskStop, domains.TaskDelete:
		return domains.ServerStopping
	case domains.TaskRestart:
		return domains.ServerRestarting
	default:
		return ""
	}
}
