package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"
	"fleet-svc/app/dto"
	"fleet-svc/app/metrics"
	"fleet-svc/app/utils"

	"github.com/google/uuid"
)

// basePort is the first port handed out to servers without an explicit
// assignment.
const basePort = 27015

// AgentInstaller is the remote bootstrap dependency of the executor.
type AgentInstaller interface {
	InstallAgent(ctx context.Context, creds ShellCredentials, controllerURL, registrationToken string) *InstallResult
}

// TaskService owns the task queue and the controller-side executor: a
// bounded channel drained by a fixed worker pool, so a slow remote
// action never holds an HTTP response open. Task state moves
// PENDING -> RUNNING -> COMPLETED|FAILED and never leaves a terminal
// state; retrying means enqueuing a new task.
type TaskService struct {
	storage           clients.StorageAdapter
	installer         AgentInstaller
	controllerURL     string
	registrationToken string
	logger            *slog.Logger

	jobs      chan uuid.UUID
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTaskService creates a task service with a bounded executor queue.
func NewTaskService(storage clients.StorageAdapter, installer AgentInstaller, controllerURL, registrationToken string, queueSize int, logger *slog.Logger) *TaskService {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TaskService{
		storage:           storage,
		installer:         installer,
		controllerURL:     controllerURL,
		registrationToken: registrationToken,
		logger:            logger,
		jobs:              make(chan uuid.UUID, queueSize),
	}
}

// Start launches the worker pool. ctx cancellation only bounds
// in-flight remote work; Close stops intake and waits for the drain.
func (s *TaskService) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 4
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Close stops accepting submissions, drains queued tasks and waits for
// in-flight executions to write their terminal state.
func (s *TaskService) Close() {
	s.closeOnce.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

func (s *TaskService) worker(ctx context.Context) {
	defer s.wg.Done()
	for id := range s.jobs {
		metrics.ExecutorQueueDepth.Dec()
		if err := s.Execute(ctx, id); err != nil {
			s.logger.Error("task execution failed", "task_id", id, "error", err)
		}
	}
}

// Enqueue creates a task in PENDING for the given agent (internal id).
// The payload is validated against the shape registered for the task
// type. FIFO ordering between an agent's tasks is by creation time and
// advisory: callers enqueue dependent operations in dependency order.
func (s *TaskService) Enqueue(ctx context.Context, agentID uuid.UUID, taskType domains.TaskType, payload map[string]interface{}, serverID *uuid.UUID) (*domains.Task, error) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	// An INSTALL without a server reference is an agent reinstall; its
	// payload is ignored and not held to the server-install shape.
	if taskType != domains.TaskInstall || serverID != nil {
		if err := utils.ValidatePayload(dto.TaskPayloadRegistry, taskType, payload); err != nil {
			return nil, err
		}
	}

	agent, err := s.storage.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, domains.ErrNotFound)
	}

	if serverID != nil {
		server, err := s.storage.GetServer(ctx, *serverID)
		if err != nil {
			return nil, fmt.Errorf("failed to load server: %w", err)
		}
		if server == nil {
			return nil, fmt.Errorf("server %s: %w", *serverID, domains.ErrNotFound)
		}
		// A task is never forged for an agent that does not own the
		// server. An unbound server is claimed by INSTALL.
		if server.AgentID != nil && *server.AgentID != agent.ID {
			return nil, fmt.Errorf("server %s is owned by another agent: %w", *serverID, domains.ErrValidation)
		}
	}

	task := &domains.Task{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		ServerID:  serverID,
		Type:      taskType,
		Payload:   payload,
		Status:    domains.TaskPending,
		CreatedAt: time.Now(),
	}
	if err := s.storage.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	metrics.TasksEnqueued.WithLabelValues(string(taskType)).Inc()
	return task, nil
}

// EnqueueByExternalID resolves the agent's external identifier first.
func (s *TaskService) EnqueueByExternalID(ctx context.Context, agentExternalID string, taskType domains.TaskType, payload map[string]interface{}, serverID *uuid.UUID) (*domains.Task, error) {
	agent, err := s.storage.GetAgentByExternalID(ctx, agentExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentExternalID, domains.ErrNotFound)
	}
	return s.Enqueue(ctx, agent.ID, taskType, payload, serverID)
}

// Poll is the agent-facing read: up to limit (max 10) of the agent's
// own tasks in the given status, oldest first. Read-only; state moves
// on separate calls.
func (s *TaskService) Poll(ctx context.Context, agentExternalID string, status domains.TaskStatus, limit int) ([]domains.Task, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	agent, err := s.storage.GetAgentByExternalID(ctx, agentExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentExternalID, domains.ErrNotFound)
	}
	return s.storage.ListTasksForAgent(ctx, agent.ID, status, limit)
}

// Get returns one task, nil when absent.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*domains.Task, error) {
	return s.storage.GetTask(ctx, id)
}

// List returns tasks matching the operator filter.
func (s *TaskService) List(ctx context.Context, f clients.TaskFilter) ([]domains.Task, error) {
	return s.storage.ListTasks(ctx, f)
}

// Submit hands a task to the worker pool and returns immediately. When
// the queue is full the task stays PENDING and the next drain picks it
// up.
func (s *TaskService) Submit(taskID uuid.UUID) {
	select {
	case s.jobs <- taskID:
		metrics.ExecutorQueueDepth.Inc()
	default:
		s.logger.Warn("executor queue full, task left for next drain", "task_id", taskID)
	}
}

// Execute runs one controller-driven task. Legal only from PENDING:
// the conditional transition to RUNNING is the claim, so concurrent
// calls against the same task cannot both run it. The terminal state
// is written here with the outcome detail.
func (s *TaskService) Execute(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.storage.MarkTaskRunning(ctx, taskID)
	if err != nil {
		return err
	}

	result, execErr := s.perform(ctx, task)
	if execErr != nil {
		msg := execErr.Error()
		if ree, ok := execErr.(*domains.RemoteExecutionError); ok {
			msg = ree.Error() + "\n" + ree.Transcript()
		}
		if _, err := s.storage.FinishTask(ctx, taskID, domains.TaskFailed, nil, &msg); err != nil {
			s.logger.Error("failed to record task failure", "task_id", taskID, "error", err)
		}
		s.applyServerOutcome(ctx, task, false)
		metrics.TasksFinished.WithLabelValues(string(task.Type), string(domains.TaskFailed)).Inc()
		return execErr
	}

	if _, err := s.storage.FinishTask(ctx, taskID, domains.TaskCompleted, result, nil); err != nil {
		return fmt.Errorf("failed to record task completion: %w", err)
	}
	metrics.TasksFinished.WithLabelValues(string(task.Type), string(domains.TaskCompleted)).Inc()
	return nil
}

// ReportResult writes the terminal state for a task the agent executed
// itself. Ownership is checked against the reporting agent; a task
// already terminal is rejected with ErrInvalidState.
func (s *TaskService) ReportResult(ctx context.Context, agentExternalID string, taskID uuid.UUID, success bool, result map[string]interface{}, errMsg string) error {
	agent, err := s.storage.GetAgentByExternalID(ctx, agentExternalID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("agent %s: %w", agentExternalID, domains.ErrNotFound)
	}

	task, err := s.storage.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", taskID, domains.ErrNotFound)
	}
	if task.AgentID != agent.ID {
		return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, agentExternalID, domains.ErrUnauthorized)
	}

	// The agent claimed the task by polling; reflect that before the
	// terminal write so the transition stays monotonic.
	if task.Status == domains.TaskPending {
		if _, err := s.storage.MarkTaskRunning(ctx, taskID); err != nil {
			return err
		}
	}

	status := domains.TaskCompleted
	var errPtr *string
	if !success {
		status = domains.TaskFailed
		if errMsg == "" {
			errMsg = "agent reported failure without detail"
		}
		errPtr = &errMsg
	}

	if _, err := s.storage.FinishTask(ctx, taskID, status, result, errPtr); err != nil {
		return err
	}
	s.applyServerOutcome(ctx, task, success)
	metrics.TasksFinished.WithLabelValues(string(task.Type), string(status)).Inc()
	return nil
}

// DrainPending picks up to limit of the oldest PENDING tasks and
// executes them. Per-task failures are isolated: a failed task is
// recorded and the batch continues.
func (s *TaskService) DrainPending(ctx context.Context, limit int) (processed, failed int) {
	if limit <= 0 {
		limit = 10
	}
	pending, err := s.storage.ListPendingTasks(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list pending tasks", "error", err)
		return 0, 0
	}

	for _, task := range pending {
		if err := s.Execute(ctx, task.ID); err != nil {
			failed++
			s.logger.Error("pending task failed", "task_id", task.ID, "type", task.Type, "error", err)
			continue
		}
		processed++
	}
	return processed, failed
}

// perform runs the controller-side action for one task type and
// returns the outcome detail.
func (s *TaskService) perform(ctx context.Context, task *domains.Task) (map[string]interface{}, error) {
	switch task.Type {
	case domains.TaskInstall:
		if task.ServerID == nil {
			return s.performAgentInstall(ctx, task)
		}
		return s.performProvision(ctx, task)
	case domains.TaskStart:
		return s.performLifecycle(ctx, task, domains.ServerStarting, domains.ServerOnline)
	case domains.TaskStop:
		return s.performLifecycle(ctx, task, domains.ServerStopping, domains.ServerOffline)
	case domains.TaskRestart:
		if _, err := s.performLifecycle(ctx, task, domains.ServerStopping, domains.ServerOffline); err != nil {
			return nil, err
		}
		return s.performLifecycle(ctx, task, domains.ServerStarting, domains.ServerOnline)
	case domains.TaskDelete:
		return s.performLifecycle(ctx, task, domains.ServerStopping, domains.ServerOffline)
	case domains.TaskUpdate:
		if task.ServerID == nil {
			return nil, fmt.Errorf("update task requires a server: %w", domains.ErrValidation)
		}
		return map[string]interface{}{"message": "update dispatched to agent"}, nil
	case domains.TaskBackup:
		return s.performBackup(task)
	case domains.TaskScaleUp, domains.TaskScaleDown:
		return s.performScale(ctx, task)
	default:
		return nil, fmt.Errorf("unknown task type %s: %w", task.Type, domains.ErrValidation)
	}
}

// performAgentInstall reinstalls the agent runtime on its machine via
// the remote bootstrap. Success refreshes agent and machine liveness.
func (s *TaskService) performAgentInstall(ctx context.Context, task *domains.Task) (map[string]interface{}, error) {
	agent, err := s.storage.GetAgentByID(ctx, task.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", task.AgentID, domains.ErrNotFound)
	}
	machine, err := s.storage.GetMachine(ctx, agent.MachineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load machine: %w", err)
	}
	if machine == nil {
		return nil, fmt.Errorf("machine %s: %w", agent.MachineID, domains.ErrNotFound)
	}

	creds := ShellCredentials{
		Host: machine.IPAddress,
		Port: machine.SSHPort,
		User: machine.SSHUser,
	}
	if machine.SSHKeyPath != nil {
		creds.KeyPath = *machine.SSHKeyPath
	}
	if machine.SSHPassword != nil {
		creds.Password = *machine.SSHPassword
	}

	res := s.installer.InstallAgent(ctx, creds, s.controllerURL, s.registrationToken)
	if !res.Success {
		metrics.BootstrapInstalls.WithLabelValues("failed").Inc()
		if ree, ok := res.Err.(*domains.RemoteExecutionError); ok {
			return nil, ree
		}
		return nil, &domains.RemoteExecutionError{Op: "install", Logs: res.Logs, Err: res.Err}
	}

	now := time.Now()
	if err := s.storage.UpdateMachineLiveness(ctx, machine.ID, domains.MachineOnline, clients.LivenessUpdate{Heartbeat: &now}); err != nil {
		s.logger.Error("failed to mark machine online after install", "machine_id", machine.ID, "error", err)
	}
	if err := s.storage.UpdateAgentLiveness(ctx, agent.ID, domains.AgentOnline, clients.LivenessUpdate{Heartbeat: &now}); err != nil {
		s.logger.Error("failed to mark agent online after install", "agent_id", agent.AgentID, "error", err)
	}

	metrics.BootstrapInstalls.WithLabelValues("success").Inc()
	return map[string]interface{}{"logs": res.Logs}, nil
}

// performProvision prepares a new game server on the agent's machine:
// endpoint assignment here, the actual installation by the agent.
func (s *TaskService) performProvision(ctx context.Context, task *domains.Task) (map[string]interface{}, error) {
	server, err := s.storage.GetServer(ctx, *task.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s: %w", *task.ServerID, domains.ErrNotFound)
	}

	if err := s.storage.UpdateServerStatus(ctx, server.ID, domains.ServerStarting); err != nil {
		return nil, fmt.Errorf("failed to mark server starting: %w", err)
	}

	var ip *string
	agent, err := s.storage.GetAgentByID(ctx, task.AgentID)
	if err == nil && agent != nil {
		if machine, err := s.storage.GetMachine(ctx, agent.MachineID); err == nil && machine != nil {
			ip = &machine.IPAddress
		}
	}

	port := server.Port
	if port == nil {
		maxPort, err := s.storage.MaxServerPort(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate port: %w", err)
		}
		next := maxPort + 1
		if next < basePort {
			next = basePort
		}
		port = &next
	}

	if err := s.storage.UpdateServerEndpoint(ctx, server.ID, ip, port); err != nil {
		return nil, fmt.Errorf("failed to assign endpoint: %w", err)
	}

	result := map[string]interface{}{"port": *port}
	if ip != nil {
		result["ip_address"] = *ip
	}
	return result, nil
}

func (s *TaskService) performLifecycle(ctx context.Context, task *domains.Task, transient, final domains.ServerStatus) (map[string]interface{}, error) {
	if task.ServerID == nil {
		return nil, fmt.Errorf("%s task requires a server: %w", task.Type, domains.ErrValidation)
	}
	server, err := s.storage.GetServer(ctx, *task.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s: %w", *task.ServerID, domains.ErrNotFound)
	}

	if err := s.storage.UpdateServerStatus(ctx, server.ID, transient); err != nil {
		return nil, fmt.Errorf("failed to update server status: %w", err)
	}
	if err := s.storage.UpdateServerStatus(ctx, server.ID, final); err != nil {
		return nil, fmt.Errorf("failed to update server status: %w", err)
	}
	return map[string]interface{}{"status": string(final)}, nil
}

// performBackup names the archive the agent will produce. Without a
// server reference the backup covers the whole machine.
func (s *TaskService) performBackup(task *domains.Task) (map[string]interface{}, error) {
	name, _ := task.Payload["name"].(string)
	if name == "" {
		name = fmt.Sprintf("backup-%d", time.Now().Unix())
	}
	scope := "machine"
	if task.ServerID != nil {
		scope = task.ServerID.String()
	}
	return map[string]interface{}{
		"backup": name,
		"path":   fmt.Sprintf("/var/backups/fleet/%s/%s.tar.gz", scope, name),
	}, nil
}

// performScale applies the new resource limits carried by the payload
// to the server's configuration.
func (s *TaskService) performScale(ctx context.Context, task *domains.Task) (map[string]interface{}, error) {
	if task.ServerID == nil {
		return nil, fmt.Errorf("scale task requires a server: %w", domains.ErrValidation)
	}
	server, err := s.storage.GetServer(ctx, *task.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s: %w", *task.ServerID, domains.ErrNotFound)
	}

	ramMB := intFromPayload(task.Payload, "ram_mb")
	cpuCores := intFromPayload(task.Payload, "cpu_cores")

	cfg := server.Config
	cfg.ResourceLimits = domains.ResourceLimits{RAMMB: ramMB, CPUCores: cpuCores}
	if err := s.storage.UpdateServerConfig(ctx, server.ID, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply resource limits: %w", err)
	}
	return map[string]interface{}{"ram_mb": ramMB, "cpu_cores": cpuCores}, nil
}

// applyServerOutcome mirrors a task outcome onto the server status: a
// failed lifecycle operation leaves the server in ERROR, a successful
// one in its natural final state.
func (s *TaskService) applyServerOutcome(ctx context.Context, task *domains.Task, success bool) {
	if task.ServerID == nil {
		return
	}

	var status domains.ServerStatus
	switch {
	case !success && (task.Type == domains.TaskStart || task.Type == domains.TaskStop ||
		task.Type == domains.TaskRestart || task.Type == domains.TaskInstall):
		status = domains.ServerError
	case success && (task.Type == domains.TaskStart || task.Type == domains.TaskRestart || task.Type == domains.TaskInstall):
		status = domains.ServerOnline
	case success && (task.Type == domains.TaskStop || task.Type == domains.TaskDelete):
		status = domains.ServerOffline
	default:
		return
	}

	if err := s.storage.UpdateServerStatus(ctx, *task.ServerID, status); err != nil {
		s.logger.Error("failed to apply server outcome", "server_id", task.ServerID, "status", status, "error", err)
	}
}

func intFromPayload(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
