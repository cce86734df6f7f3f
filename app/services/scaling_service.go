package services

import (
	"context"
	"fmt"
	"log/slog"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"

	"github.com/google/uuid"
)

// Scaling bounds. RAM moves multiplicatively, CPU one core at a time.
// The usage thresholds are per-deployment configuration; these are the
// defaults.
const (
	DefaultScaleUpThresholdPct   = 70.0
	DefaultScaleDownThresholdPct = 30.0

	ramScaleUpFactor   = 1.5
	ramScaleDownFactor = 0.75
	ramFloorMB         = 1024
	ramCapMB           = 16384

	cpuFloorCores = 1
	cpuCapCores   = 8

	defaultRAMMB    = 2048
	defaultCPUCores = 1
)

// ScalingDecision is the outcome of evaluating one server against the
// thresholds.
type ScalingDecision struct {
	ServerID uuid.UUID
	Action   string // "scale_up", "scale_down" or "none"
	Reason   string
}

// ScalingService evaluates server resource usage against fixed
// thresholds and turns the verdicts into scale tasks. Decisions use
// the latest heartbeat snapshot only; there is no history or
// hysteresis beyond the dead band between the two thresholds.
type ScalingService struct {
	storage      clients.StorageAdapter
	tasks        *TaskService
	scaleUpPct   float64
	scaleDownPct float64
	logger       *slog.Logger
}

// NewScalingService creates a scaling service that enqueues its
// adjustments through the given task service. Non-positive thresholds
// fall back to the defaults.
func NewScalingService(storage clients.StorageAdapter, tasks *TaskService, scaleUpPct, scaleDownPct float64, logger *slog.Logger) *ScalingService {
	if scaleUpPct <= 0 {
		scaleUpPct = DefaultScaleUpThresholdPct
	}
	if scaleDownPct <= 0 {
		scaleDownPct = DefaultScaleDownThresholdPct
	}
	return &ScalingService{
		storage:      storage,
		tasks:        tasks,
		scaleUpPct:   scaleUpPct,
		scaleDownPct: scaleDownPct,
		logger:       logger,
	}
}

// CheckAndScale evaluates one server. Pure decision: no task is
// enqueued and no state changes.
func (s *ScalingService) CheckAndScale(ctx context.Context, serverID uuid.UUID) (*ScalingDecision, error) {
	server, err := s.storage.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s: %w", serverID, domains.ErrNotFound)
	}
	return s.decide(server), nil
}

func (s *ScalingService) decide(server *domains.Server) *ScalingDecision {
	d := &ScalingDecision{ServerID: server.ID, Action: "none"}

	if server.Status != domains.ServerOnline {
		d.Reason = fmt.Sprintf("server is %s; only ONLINE servers are scaled", server.Status)
		return d
	}
	if server.ResourceUsage == nil {
		d.Reason = "no usage snapshot reported yet"
		return d
	}

	usage := server.ResourceUsage
	switch {
	case usage.CPU > s.scaleUpPct || usage.RAM > s.scaleUpPct:
		d.Action = "scale_up"
		d.Reason = fmt.Sprintf("usage cpu=%.1f%% ram=%.1f%% above %.0f%%", usage.CPU, usage.RAM, s.scaleUpPct)
	case usage.CPU < s.scaleDownPct && usage.RAM < s.scaleDownPct:
		d.Action = "scale_down"
		d.Reason = fmt.Sprintf("usage cpu=%.1f%% ram=%.1f%% below %.0f%%", usage.CPU, usage.RAM, s.scaleDownPct)
	default:
		d.Reason = fmt.Sprintf("usage cpu=%.1f%% ram=%.1f%% within band", usage.CPU, usage.RAM)
	}

	// Already at the relevant bound: the adjustment would be a no-op.
	limits := effectiveLimits(server)
	if d.Action == "scale_up" && limits.RAMMB >= ramCapMB && limits.CPUCores >= cpuCapCores {
		d.Action = "none"
		d.Reason = "usage above threshold but limits already at maximum"
	}
	if d.Action == "scale_down" && limits.RAMMB <= ramFloorMB && limits.CPUCores <= cpuFloorCores {
		d.Action = "none"
		d.Reason = "usage below threshold but limits already at minimum"
	}
	return d
}

// Scale applies one step in the given direction: the new limits are
// computed, written to the server's configuration and a scale task is
// enqueued for the owning agent.
func (s *ScalingService) Scale(ctx context.Context, serverID uuid.UUID, up bool) (*domains.Task, domains.ResourceLimits, error) {
	server, err := s.storage.GetServer(ctx, serverID)
	if err != nil {
		return nil, domains.ResourceLimits{}, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, domains.ResourceLimits{}, fmt.Errorf("server %s: %w", serverID, domains.ErrNotFound)
	}
	if server.AgentID == nil {
		return nil, domains.ResourceLimits{}, fmt.Errorf("server %s is not bound to an agent: %w", serverID, domains.ErrValidation)
	}

	limits := nextLimits(effectiveLimits(server), up)

	taskType := domains.TaskScaleUp
	if !up {
		taskType = domains.TaskScaleDown
	}
	payload := map[string]interface{}{
		"ram_mb":    limits.RAMMB,
		"cpu_cores": limits.CPUCores,
	}

	task, err := s.tasks.Enqueue(ctx, *server.AgentID, taskType, payload, &server.ID)
	if err != nil {
		return nil, domains.ResourceLimits{}, err
	}
	s.tasks.Submit(task.ID)

	s.logger.Info("scale task enqueued",
		"server_id", server.ID, "action", taskType,
		"ram_mb", limits.RAMMB, "cpu_cores", limits.CPUCores)
	return task, limits, nil
}

// CheckAll evaluates every non-offline server and applies every
// non-"none" verdict. Per-server failures are isolated. Returns the
// decisions made and how many scale tasks were enqueued.
func (s *ScalingService) CheckAll(ctx context.Context) ([]ScalingDecision, int, error) {
	servers, err := s.storage.ListActiveServers(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list active servers: %w", err)
	}

	decisions := make([]ScalingDecision, 0, len(servers))
	applied := 0
	for i := range servers {
		d := s.decide(&servers[i])
		decisions = append(decisions, *d)
		if d.Action == "none" {
			continue
		}
		if _, _, err := s.Scale(ctx, servers[i].ID, d.Action == "scale_up"); err != nil {
			s.logger.Error("failed to apply scaling decision", "server_id", servers[i].ID, "action", d.Action, "error", err)
			continue
		}
		applied++
	}
	return decisions, applied, nil
}

func effectiveLimits(server *domains.Server) domains.ResourceLimits {
	limits := server.Config.ResourceLimits
	if limits.RAMMB <= 0 {
		limits.RAMMB = defaultRAMMB
	}
	if limits.CPUCores <= 0 {
		limits.CPUCores = defaultCPUCores
	}
	return limits
}

func nextLimits(current domains.ResourceLimits, up bool) domains.ResourceLimits {
	next := current
	if up {
		next.RAMMB = int(float64(current.RAMMB) * ramScaleUpFactor)
		if next.RAMMB > ramCapMB {
			next.RAMMB = ramCapMB
		}
		next.CPUCores = current.CPUCores + 1
		if next.CPUCores > cpuCapCores {
			next.CPUCores = cpuCapCores
		}
		return next
	}
	next.RAMMB = int(float64(current.RAMMB) * ramScaleDownFactor)
	if next.RAMMB < ramFloorMB {
		next.RAMMB = ramFloorMB
	}
	next.CPUCores = current.CPUCores - 1
	if next.CPUCores < cpuFloorCores {
		next.CPUCores = cpuFloorCores
	}
	return next
}
