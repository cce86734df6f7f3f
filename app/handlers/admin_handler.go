package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"
	"fleet-svc/app/dto"
	"fleet-svc/app/services"
	"fleet-svc/app/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminHandler handles the operator-facing endpoints.
type AdminHandler struct {
	registry          *services.RegistryService
	keys              *services.APIKeyService
	bootstrap         *services.BootstrapService
	tasks             *services.TaskService
	heartbeats        *services.HeartbeatService
	reconciler        *services.ReconcileService
	scaler            *services.ScalingService
	jwtService        *services.JWTService
	operatorUser      string
	operatorPassword  string
	controllerURL     string
	registrationToken string
	stalenessSec      int
	drainBatchSize    int
}

// AdminHandlerConfig wires the admin handler's collaborators.
type AdminHandlerConfig struct {
	Registry          *services.RegistryService
	Keys              *services.APIKeyService
	Bootstrap         *services.BootstrapService
	Tasks             *services.TaskService
	Heartbeats        *services.HeartbeatService
	Reconciler        *services.ReconcileService
	Scaler            *services.ScalingService
	JWTService        *services.JWTService
	OperatorUser      string
	OperatorPassword  string
	ControllerURL     string
	RegistrationToken string
	StalenessSec      int
	DrainBatchSize    int
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	return &AdminHandler{
		registry:          cfg.Registry,
		keys:              cfg.Keys,
		bootstrap:         cfg.Bootstrap,
		tasks:             cfg.Tasks,
		heartbeats:        cfg.Heartbeats,
		reconciler:        cfg.Reconciler,
		scaler:            cfg.Scaler,
		jwtService:        cfg.JWTService,
		operatorUser:      cfg.OperatorUser,
		operatorPassword:  cfg.OperatorPassword,
		controllerURL:     cfg.ControllerURL,
		registrationToken: cfg.RegistrationToken,
		stalenessSec:      cfg.StalenessSec,
		drainBatchSize:    cfg.DrainBatchSize,
	}
}

// Login exchanges the operator credential for a session token.
func (h *AdminHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.operatorUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.operatorPassword)) == 1
	if !userOK || !passOK {
		respondError(c, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	token, err := h.jwtService.GenerateToken(req.Username)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate token", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.LoginResponse{
		Token:     token,
		ExpiresIn: int64(h.jwtService.Expiration().Seconds()),
	})
}

// CreateMachine registers a host in the fleet.
func (h *AdminHandler) CreateMachine(c *gin.Context) {
	var req dto.CreateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	machine := &domains.Machine{
		Name:      req.Name,
		IPAddress: req.IPAddress,
		SSHPort:   req.SSHPort,
		SSHUser:   req.SSHUser,
	}
	if req.SSHKeyPath != "" {
		machine.SSHKeyPath = &req.SSHKeyPath
	}
	if req.SSHPassword != "" {
		machine.SSHPassword = &req.SSHPassword
	}

	if err := h.registry.CreateMachine(c.Request.Context(), machine); err != nil {
		respondError(c, statusForError(err), "failed to create machine", nil)
		return
	}
	respondJSON(c, http.StatusCreated, toMachineResponse(machine))
}

// ListMachines lists all hosts.
func (h *AdminHandler) ListMachines(c *gin.Context) {
	machines, err := h.registry.ListMachines(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list machines", nil)
		return
	}
	out := make([]dto.MachineResponse, len(machines))
	for i := range machines {
		out[i] = toMachineResponse(&machines[i])
	}
	respondJSON(c, http.StatusOK, dto.ListMachinesResponse{Machines: out})
}

// GetMachine returns one host.
func (h *AdminHandler) GetMachine(c *gin.Context) {
	id, err := uuid.Parse(c.Param("machine_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid machine id", nil)
		return
	}
	machine, err := h.registry.GetMachine(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load machine", nil)
		return
	}
	if machine == nil {
		respondError(c, http.StatusNotFound, "machine not found", nil)
		return
	}
	respondJSON(c, http.StatusOK, toMachineResponse(machine))
}

// TestSSH runs the pre-flight shell reachability check against a
// machine's stored credentials.
func (h *AdminHandler) TestSSH(c *gin.Context) {
	id, err := uuid.Parse(c.Param("machine_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid machine id", nil)
		return
	}
	machine, err := h.registry.GetMachine(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load machine", nil)
		return
	}
	if machine == nil {
		respondError(c, http.StatusNotFound, "machine not found", nil)
		return
	}

	reachable, detail := h.bootstrap.TestConnection(c.Request.Context(), shellCredentials(machine))
	respondJSON(c, http.StatusOK, dto.TestSSHResponse{Reachable: reachable, Detail: detail})
}

// InstallAgent runs the remote bootstrap against a machine,
// synchronously, and returns the transcript. Used for first-time
// provisioning where the operator wants to watch the outcome.
func (h *AdminHandler) InstallAgent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("machine_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid machine id", nil)
		return
	}
	machine, err := h.registry.GetMachine(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load machine", nil)
		return
	}
	if machine == nil {
		respondError(c, http.StatusNotFound, "machine not found", nil)
		return
	}

	res := h.bootstrap.InstallAgent(c.Request.Context(), shellCredentials(machine), h.controllerURL, h.registrationToken)
	if !res.Success {
		respondJSON(c, http.StatusBadGateway, gin.H{"success": false, "logs": res.Logs})
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"success": true, "logs": res.Logs})
}

// ListAgents lists all agents.
func (h *AdminHandler) ListAgents(c *gin.Context) {
	agents, err := h.registry.ListAgents(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list agents", nil)
		return
	}
	out := make([]dto.AgentResponse, len(agents))
	for i := range agents {
		out[i] = toAgentResponse(&agents[i])
	}
	respondJSON(c, http.StatusOK, dto.ListAgentsResponse{Agents: out})
}

// RegenerateKey mints a replacement bearer key for an agent. The old
// key is rejected from this moment on.
func (h *AdminHandler) RegenerateKey(c *gin.Context) {
	agent, err := h.registry.GetAgentByExternalID(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", nil)
		return
	}
	if agent == nil {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}

	key, err := h.keys.Issue(c.Request.Context(), agent.ID)
	if err != nil {
		respondError(c, statusForError(err), "failed to issue key", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.RegenerateKeyResponse{AgentID: agent.AgentID, APIKey: key})
}

// ReinstallAgent enqueues a detached INSTALL task that re-runs the
// bootstrap for the agent's machine through the executor.
func (h *AdminHandler) ReinstallAgent(c *gin.Context) {
	agent, err := h.registry.GetAgentByExternalID(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", nil)
		return
	}
	if agent == nil {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}

	task, err := h.tasks.Enqueue(c.Request.Context(), agent.ID, domains.TaskInstall, nil, nil)
	if err != nil {
		respondError(c, statusForError(err), "failed to enqueue reinstall", map[string]string{"error": err.Error()})
		return
	}
	h.tasks.Submit(task.ID)
	respondJSON(c, http.StatusAccepted, dto.ReinstallResponse{TaskID: task.ID.String()})
}

// CreateTask enqueues work for an agent. With execute=true the task is
// also submitted to the in-process executor.
func (h *AdminHandler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	var serverID *uuid.UUID
	if req.ServerID != "" {
		id, err := uuid.Parse(req.ServerID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid server_id", nil)
			return
		}
		serverID = &id
	}

	task, err := h.tasks.EnqueueByExternalID(c.Request.Context(), req.AgentID, domains.TaskType(req.Type), req.Payload, serverID)
	if err != nil {
		respondError(c, statusForError(err), "failed to enqueue task", map[string]string{"error": err.Error()})
		return
	}
	if req.Execute {
		h.tasks.Submit(task.ID)
	}
	respondJSON(c, http.StatusCreated, dto.CreateTaskResponse{TaskID: task.ID.String(), Status: string(task.Status)})
}

// GetTask returns one task.
func (h *AdminHandler) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid task id", nil)
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load task", nil)
		return
	}
	if task == nil {
		respondError(c, http.StatusNotFound, "task not found", nil)
		return
	}
	respondJSON(c, http.StatusOK, toTaskResponse(*task))
}

// ListTasks lists tasks, optionally filtered by status and type.
func (h *AdminHandler) ListTasks(c *gin.Context) {
	filter, err := taskFilterFromQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	tasks, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list tasks", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.ListTasksResponse{Tasks: toTaskResponses(tasks)})
}

// CreateServer records a game server.
func (h *AdminHandler) CreateServer(c *gin.Context) {
	var req dto.CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	server := &domains.Server{
		Name:   req.Name,
		UserID: req.UserID,
		Config: domains.ServerConfig{
			GameType:       req.GameType,
			ResourceLimits: domains.ResourceLimits{RAMMB: req.RAMMB, CPUCores: req.CPUCores},
		},
	}
	if req.AgentID != "" {
		agentID, err := uuid.Parse(req.AgentID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid agent_id", nil)
			return
		}
		server.AgentID = &agentID
	}

	if err := h.registry.CreateServer(c.Request.Context(), server); err != nil {
		respondError(c, statusForError(err), "failed to create server", map[string]string{"error": err.Error()})
		return
	}
	respondJSON(c, http.StatusCreated, toServerResponse(server))
}

// ListServers lists all servers.
func (h *AdminHandler) ListServers(c *gin.Context) {
	servers, err := h.registry.ListServers(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list servers", nil)
		return
	}
	out := make([]dto.ServerResponse, len(servers))
	for i := range servers {
		out[i] = toServerResponse(&servers[i])
	}
	respondJSON(c, http.StatusOK, dto.ListServersResponse{Servers: out})
}

// GetServer returns one server.
func (h *AdminHandler) GetServer(c *gin.Context) {
	id, err := uuid.Parse(c.Param("server_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid server id", nil)
		return
	}
	server, err := h.registry.GetServer(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load server", nil)
		return
	}
	if server == nil {
		respondError(c, http.StatusNotFound, "server not found", nil)
		return
	}
	respondJSON(c, http.StatusOK, toServerResponse(server))
}

// SyncStatus reconciles one server's recorded status against agent
// evidence.
func (h *AdminHandler) SyncStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("server_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid server id", nil)
		return
	}
	res, err := h.reconciler.Sync(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusForError(err), "failed to sync server status", map[string]string{"error": err.Error()})
		return
	}
	respondJSON(c, http.StatusOK, dto.SyncStatusResponse{
		OldStatus: string(res.OldStatus),
		NewStatus: string(res.NewStatus),
		Details:   res.Details,
	})
}

// CheckScaling returns the pure scaling decision for a server.
func (h *AdminHandler) CheckScaling(c *gin.Context) {
	id, err := uuid.Parse(c.Param("server_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid server id", nil)
		return
	}
	decision, err := h.scaler.CheckAndScale(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusForError(err), "failed to evaluate scaling", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.ScalingDecisionResponse{Action: decision.Action, Reason: decision.Reason})
}

// Scale applies one explicit scaling step to a server.
func (h *AdminHandler) Scale(c *gin.Context) {
	id, err := uuid.Parse(c.Param("server_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid server id", nil)
		return
	}

	var req dto.ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	task, limits, err := h.scaler.Scale(c.Request.Context(), id, req.Action == "scale_up")
	if err != nil {
		respondError(c, statusForError(err), "failed to scale server", map[string]string{"error": err.Error()})
		return
	}
	respondJSON(c, http.StatusAccepted, gin.H{
		"task_id":   task.ID.String(),
		"ram_mb":    limits.RAMMB,
		"cpu_cores": limits.CPUCores,
	})
}

// Cron runs the periodic maintenance jobs in sequence: drain pending
// tasks, sweep silent agents, reconcile server statuses and evaluate
// scaling. Individual job failures do not abort the run.
func (h *AdminHandler) Cron(c *gin.Context) {
	ctx := c.Request.Context()
	jobs := make(map[string]dto.CronJobResult)

	processed, failed := h.tasks.DrainPending(ctx, h.drainBatchSize)
	jobs["drain_tasks"] = dto.CronJobResult{
		OK:     true,
		Detail: fmt.Sprintf("processed=%d failed=%d", processed, failed),
	}

	demoted, err := h.heartbeats.SweepOffline(ctx, time.Duration(h.stalenessSec)*time.Second)
	if err != nil {
		jobs["heartbeat_sweep"] = dto.CronJobResult{OK: false, Detail: err.Error()}
	} else {
		jobs["heartbeat_sweep"] = dto.CronJobResult{OK: true, Detail: fmt.Sprintf("demoted=%d", demoted)}
	}

	results, err := h.reconciler.SyncAll(ctx)
	if err != nil {
		jobs["status_sync"] = dto.CronJobResult{OK: false, Detail: err.Error()}
	} else {
		corrected := 0
		for _, r := range results {
			if r.OldStatus != r.NewStatus {
				corrected++
			}
		}
		jobs["status_sync"] = dto.CronJobResult{OK: true, Detail: fmt.Sprintf("examined=%d corrected=%d", len(results), corrected)}
	}

	decisions, applied, err := h.scaler.CheckAll(ctx)
	if err != nil {
		jobs["auto_scaling"] = dto.CronJobResult{OK: false, Detail: err.Error()}
	} else {
		jobs["auto_scaling"] = dto.CronJobResult{OK: true, Detail: fmt.Sprintf("evaluated=%d applied=%d", len(decisions), applied)}
	}

	respondJSON(c, http.StatusOK, dto.CronResponse{Jobs: jobs})
}

func taskFilterFromQuery(c *gin.Context) (clients.TaskFilter, error) {
	var filter clients.TaskFilter

	if q := c.Query("agent_id"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			return filter, fmt.Errorf("invalid agent_id filter")
		}
		filter.AgentID = &id
	}
	if q := c.Query("server_id"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			return filter, fmt.Errorf("invalid server_id filter")
		}
		filter.ServerID = &id
	}
	if q := c.Query("status"); q != "" {
		status := domains.TaskStatus(q)
		filter.Status = &status
	}
	if q := c.Query("type"); q != "" {
		taskType := domains.TaskType(q)
		filter.Type = &taskType
	}
	if q := c.Query("limit"); q != "" {
		limit, err := strconv.Atoi(q)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit filter")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func shellCredentials(m *domains.Machine) services.ShellCredentials {
	creds := services.ShellCredentials{
		Host: m.IPAddress,
		Port: m.SSHPort,
		User: m.SSHUser,
	}
	if m.SSHKeyPath != nil {
		creds.KeyPath = *m.SSHKeyPath
	}
	if m.SSHPassword != nil {
		creds.Password = *m.SSHPassword
	}
	return creds
}

func toMachineResponse(m *domains.Machine) dto.MachineResponse {
	resp := dto.MachineResponse{
		ID:        m.ID.String(),
		Name:      m.Name,
		IPAddress: m.IPAddress,
		SSHPort:   m.SSHPort,
		SSHUser:   m.SSHUser,
		Status:    string(m.Status),
	}
	if m.LastHeartbeat != nil {
		resp.LastHeartbeat = m.LastHeartbeat.Format(timeFormat)
	}
	if m.AgentVersion != nil {
		resp.AgentVersion = *m.AgentVersion
	}
	if m.Resources != nil {
		resp.Resources = m.Resources
	}
	return resp
}

func toAgentResponse(a *domains.Agent) dto.AgentResponse {
	resp := dto.AgentResponse{
		ID:           a.ID.String(),
		AgentID:      a.AgentID,
		MachineID:    a.MachineID.String(),
		Status:       string(a.Status),
		Capabilities: a.Capabilities,
		Version:      a.Version,
	}
	if a.LastHeartbeat != nil {
		resp.LastHeartbeat = a.LastHeartbeat.Format(timeFormat)
	}
	return resp
}

func toServerResponse(s *domains.Server) dto.ServerResponse {
	resp := dto.ServerResponse{
		ID:            s.ID.String(),
		Name:          s.Name,
		UserID:        s.UserID,
		Status:        string(s.Status),
		ResourceUsage: s.ResourceUsage,
		Config:        s.Config,
	}
	if s.AgentID != nil {
		resp.AgentID = s.AgentID.String()
	}
	if s.Port != nil {
		resp.Port = *s.Port
	}
	if s.IPAddress != nil {
		resp.IPAddress = *s.IPAddress
	}
	return resp
}
