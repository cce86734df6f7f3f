package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"fleet-svc/app/domains"
	"fleet-svc/app/dto"
	"fleet-svc/app/services"
	"fleet-svc/app/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const timeFormat = time.RFC3339

// respondJSON sends a JSON response
func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// respondError sends an error response
func respondError(c *gin.Context, status int, message string, details map[string]string) {
	c.JSON(status, dto.ErrorResponse{
		Error:   message,
		Details: details,
	})
}

// statusForError maps domain sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domains.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domains.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domains.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domains.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AgentHandler handles the agent-facing endpoints.
type AgentHandler struct {
	registry          *services.RegistryService
	heartbeats        *services.HeartbeatService
	tasks             *services.TaskService
	registrationToken string
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(registry *services.RegistryService, heartbeats *services.HeartbeatService, tasks *services.TaskService, registrationToken string) *AgentHandler {
	return &AgentHandler{
		registry:          registry,
		heartbeats:        heartbeats,
		tasks:             tasks,
		registrationToken: registrationToken,
	}
}

// Register handles agent registration. The caller proves it was
// installed by the bootstrap flow with the shared registration token;
// the response carries the agent's bearer key, shown exactly once.
func (h *AgentHandler) Register(c *gin.Context) {
	token := c.GetHeader("X-Registration-Token")
	if h.registrationToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.registrationToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid registration token", nil)
		return
	}

	var req dto.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	machineID, err := uuid.Parse(req.MachineID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid machine_id", nil)
		return
	}

	agent, key, machine, err := h.registry.RegisterAgent(c.Request.Context(), machineID, req.AgentID, req.Version, req.Capabilities)
	if err != nil {
		respondError(c, statusForError(err), "failed to register agent", map[string]string{"error": err.Error()})
		return
	}

	respondJSON(c, http.StatusOK, dto.RegisterAgentResponse{
		AgentID: agent.AgentID,
		APIKey:  key,
		Machine: machine.Name,
	})
}

// Heartbeat ingests a liveness ping. The identity comes from the
// bearer key, not the body.
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agentID := c.GetString(agentIDKey)

	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	upd := services.HeartbeatUpdate{
		Capabilities: req.Capabilities,
		Version:      req.Version,
	}
	if req.Status != "" {
		status := domains.AgentStatus(req.Status)
		upd.Status = &status
	}
	if req.Resources != nil {
		upd.Resources = &domains.MachineResources{
			CPU:        req.Resources.CPU,
			RAMMB:      req.Resources.RAMMB,
			DiskMB:     req.Resources.DiskMB,
			NetworkIn:  req.Resources.NetworkIn,
			NetworkOut: req.Resources.NetworkOut,
		}
	}
	for _, sr := range req.Servers {
		serverID, err := uuid.Parse(sr.ServerID)
		if err != nil {
			continue
		}
		upd.Servers = append(upd.Servers, services.ServerUsage{ServerID: serverID, CPU: sr.CPU, RAM: sr.RAM})
	}

	if err := h.heartbeats.Ingest(c.Request.Context(), agentID, upd); err != nil {
		respondError(c, statusForError(err), "failed to ingest heartbeat", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.HeartbeatResponse{OK: true})
}

// ListTasks is the agent's poll: its own PENDING tasks, oldest first,
// capped at 10.
func (h *AgentHandler) ListTasks(c *gin.Context) {
	agentID := c.GetString(agentIDKey)

	// The identity is the bearer key; an explicit agent_id may only
	// restate it, never point at someone else's queue.
	if q := c.Query("agent_id"); q != "" && q != agentID {
		respondError(c, http.StatusForbidden, "agent_id does not match credential", nil)
		return
	}

	status := domains.TaskPending
	if q := c.Query("status"); q != "" {
		status = domains.TaskStatus(q)
	}

	tasks, err := h.tasks.Poll(c.Request.Context(), agentID, status, 10)
	if err != nil {
		respondError(c, statusForError(err), "failed to list tasks", nil)
		return
	}
	respondJSON(c, http.StatusOK, dto.ListTasksResponse{Tasks: toTaskResponses(tasks)})
}

// CompleteTask records an agent-executed task as COMPLETED.
func (h *AgentHandler) CompleteTask(c *gin.Context) {
	h.reportResult(c, true)
}

// FailTask records an agent-executed task as FAILED.
func (h *AgentHandler) FailTask(c *gin.Context) {
	h.reportResult(c, false)
}

func (h *AgentHandler) reportResult(c *gin.Context, success bool) {
	agentID := c.GetString(agentIDKey)

	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid task id", nil)
		return
	}

	var result map[string]interface{}
	var errMsg string
	if success {
		var req dto.CompleteTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			respondError(c, http.StatusBadRequest, "invalid request body", nil)
			return
		}
		result = req.Result
	} else {
		var req dto.FailTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body", nil)
			return
		}
		if err := utils.ValidateStruct(&req); err != nil {
			respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
			return
		}
		errMsg = req.Error
	}

	if err := h.tasks.ReportResult(c.Request.Context(), agentID, taskID, success, result, errMsg); err != nil {
		respondError(c, statusForError(err), "failed to record task result", map[string]string{"error": err.Error()})
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

func toTaskResponse(t domains.Task) dto.TaskResponse {
	resp := dto.TaskResponse{
		ID:        t.ID.String(),
		Type:      string(t.Type),
		Payload:   t.Payload,
		Status:    string(t.Status),
		Result:    t.Result,
		CreatedAt: t.CreatedAt.Format(timeFormat),
	}
	if t.ServerID != nil {
		resp.ServerID = t.ServerID.String()
	}
	if t.Error != nil {
		resp.Error = *t.Error
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.Format(timeFormat)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.Format(timeFormat)
	}
	return resp
}

func toTaskResponses(tasks []domains.Task) []dto.TaskResponse {
	out := make([]dto.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	return out
}
