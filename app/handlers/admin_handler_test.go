package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleet-svc/app/domains"
	"fleet-svc/app/dto"
	"fleet-svc/app/services"
	"fleet-svc/storage/memory"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStoreAgent(t *testing.T, store *memory.Store) *domains.Agent {
	t.Helper()
	ctx := context.Background()

	machine := &domains.Machine{ID: uuid.New(), Name: "host-1", IPAddress: "10.0.0.10", SSHPort: 22, SSHUser: "root", Status: domains.MachineUnknown}
	require.NoError(t, store.CreateMachine(ctx, machine))

	now := time.Now()
	agent := &domains.Agent{
		ID:            uuid.New(),
		AgentID:       uuid.New().String(),
		MachineID:     machine.ID,
		Status:        domains.AgentOnline,
		LastHeartbeat: &now,
	}
	require.NoError(t, store.CreateAgent(ctx, agent))
	return agent
}

func seedStoreServer(t *testing.T, store *memory.Store, agent *domains.Agent) *domains.Server {
	t.Helper()
	server := &domains.Server{
		ID:      uuid.New(),
		Name:    "mc-1",
		UserID:  "user-1",
		AgentID: &agent.ID,
		Status:  domains.ServerOffline,
		Config: domains.ServerConfig{
			GameType:       "minecraft",
			ResourceLimits: domains.ResourceLimits{RAMMB: 2048, CPUCores: 2},
		},
	}
	require.NoError(t, store.CreateServer(context.Background(), server))
	return server
}

const (
	testCronSecret = "cron-secret"
	testJWTSecret  = "unit-test-signing-secret"
)

type adminFixture struct {
	store  *memory.Store
	router *gin.Engine
	jwt    *services.JWTService
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtService := services.NewJWTService(testJWTSecret, 3600)
	keys := services.NewAPIKeyService(store)
	registry := services.NewRegistryService(store, keys, logger)
	heartbeats := services.NewHeartbeatService(store, logger)
	bootstrap := services.NewBootstrapService(time.Second, time.Second, time.Second, logger)
	tasks := services.NewTaskService(store, bootstrap, "http://controller:8080", testRegistrationToken, 8, logger)
	reconciler := services.NewReconcileService(store, 5*time.Minute, logger)
	scaler := services.NewScalingService(store, tasks, 0, 0, logger)

	h := NewAdminHandler(AdminHandlerConfig{
		Registry:          registry,
		Keys:              keys,
		Bootstrap:         bootstrap,
		Tasks:             tasks,
		Heartbeats:        heartbeats,
		Reconciler:        reconciler,
		Scaler:            scaler,
		JWTService:        jwtService,
		OperatorUser:      "admin",
		OperatorPassword:  "hunter2",
		ControllerURL:     "http://controller:8080",
		RegistrationToken: testRegistrationToken,
		StalenessSec:      300,
		DrainBatchSize:    10,
	})

	router := gin.New()
	admin := router.Group("/admin")
	admin.POST("/login", h.Login)
	authed := admin.Group("", OperatorAuth(jwtService))
	authed.POST("/machines", h.CreateMachine)
	authed.GET("/machines", h.ListMachines)
	authed.GET("/agents", h.ListAgents)
	authed.POST("/agents/:agent_id/regenerate-key", h.RegenerateKey)
	authed.POST("/tasks", h.CreateTask)
	authed.GET("/tasks", h.ListTasks)
	authed.POST("/servers", h.CreateServer)
	authed.GET("/servers/:server_id/scaling", h.CheckScaling)
	authed.POST("/servers/:server_id/sync-status", h.SyncStatus)
	admin.POST("/system/cron", CronAuth(jwtService, testCronSecret), h.Cron)

	return &adminFixture{store: store, router: router, jwt: jwtService}
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *adminFixture) login(t *testing.T) map[string]string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/admin/login", dto.LoginRequest{Username: "admin", Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodPost, "/admin/login", dto.LoginRequest{Username: "admin", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/admin/login", dto.LoginRequest{Username: "root", Password: "hunter2"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOperatorEndpointsRequireSession(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodGet, "/admin/machines", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/admin/machines", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/admin/machines", nil, f.login(t))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateMachineDoesNotEchoCredentials(t *testing.T) {
	f := newAdminFixture(t)
	auth := f.login(t)

	w := f.do(t, http.MethodPost, "/admin/machines", dto.CreateMachineRequest{
		Name:        "host-1",
		IPAddress:   "10.0.0.10",
		SSHUser:     "root",
		SSHPassword: "topsecret",
	}, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "topsecret")

	var resp dto.MachineResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNKNOWN", resp.Status)
	assert.Equal(t, 22, resp.SSHPort)
}

func TestCreateTaskEndToEnd(t *testing.T) {
	f := newAdminFixture(t)
	auth := f.login(t)
	ctx := context.Background()

	agent := seedStoreAgent(t, f.store)
	server := seedStoreServer(t, f.store, agent)

	w := f.do(t, http.MethodPost, "/admin/tasks", dto.CreateTaskRequest{
		AgentID:  agent.AgentID,
		Type:     "STOP",
		ServerID: server.ID.String(),
	}, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp dto.CreateTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "PENDING", resp.Status)

	// Invalid payload is rejected at enqueue.
	w = f.do(t, http.MethodPost, "/admin/tasks", dto.CreateTaskRequest{
		AgentID:  agent.AgentID,
		Type:     "SCALE_UP",
		ServerID: server.ID.String(),
		Payload:  map[string]interface{}{"ram_mb": 128},
	}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tasks, err := f.store.ListPendingTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRegenerateKeyUnknownAgent(t *testing.T) {
	f := newAdminFixture(t)
	auth := f.login(t)

	w := f.do(t, http.MethodPost, "/admin/agents/ghost/regenerate-key", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCronAuthAndRun(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodPost, "/admin/system/cron", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/admin/system/cron", nil, map[string]string{"X-Cron-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/admin/system/cron", nil, map[string]string{"X-Cron-Secret": testCronSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.CronResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	for _, job := range []string{"drain_tasks", "heartbeat_sweep", "status_sync", "auto_scaling"} {
		result, ok := resp.Jobs[job]
		require.True(t, ok, "missing job %s", job)
		assert.True(t, result.OK, job)
	}

	// An operator session is also admitted.
	w = f.do(t, http.MethodPost, "/admin/system/cron", nil, f.login(t))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScalingDecisionEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	auth := f.login(t)
	ctx := context.Background()

	agent := seedStoreAgent(t, f.store)
	server := seedStoreServer(t, f.store, agent)
	require.NoError(t, f.store.UpdateServerStatus(ctx, server.ID, domains.ServerOnline))
	require.NoError(t, f.store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 92, RAM: 40}))

	w := f.do(t, http.MethodGet, "/admin/servers/"+server.ID.String()+"/scaling", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ScalingDecisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "scale_up", resp.Action)
}
