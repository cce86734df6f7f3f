package services

import (
	"context"
	"testing"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"
	"fleet-svc/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLeavesStatusWhenAgentSilent(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	agent := seedAgent(t, store)
	server := seedServer(t, store, agent.ID, domains.ServerOnline)
	ctx := context.Background()

	stale := time.Now().Add(-20 * time.Minute)
	require.NoError(t, store.UpdateAgentLiveness(ctx, agent.ID, domains.AgentOffline, clients.LivenessUpdate{Heartbeat: &stale}))

	res, err := svc.Sync(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, res.OldStatus, res.NewStatus)
	assert.Contains(t, res.Details, "not live")

	srv, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOnline, srv.Status)
}

func TestSyncUnboundServer(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	ctx := context.Background()

	server := &domains.Server{ID: uuid.New(), Name: "orphan", UserID: "u", Status: domains.ServerOnline}
	require.NoError(t, store.CreateServer(ctx, server))

	res, err := svc.Sync(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, res.OldStatus, res.NewStatus)
}

func TestSyncCorrectsFromFreshUsage(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	agent := seedAgent(t, store)
	server := seedServer(t, store, agent.ID, domains.ServerOffline)
	ctx := context.Background()

	// Fresh usage just reported for a server the registry thinks is
	// offline.
	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 20, RAM: 30, ReportedAt: time.Now()}))

	res, err := svc.Sync(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOffline, res.OldStatus)
	assert.Equal(t, domains.ServerOnline, res.NewStatus)

	srv, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOnline, srv.Status)
}

func TestSyncDoesNotResurrectFreshlyStoppedServer(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	tasks := NewTaskService(store, &fakeInstaller{succeed: true}, "http://controller:8080", "reg-token", 8, testLogger())
	heartbeats := NewHeartbeatService(store, testLogger())
	agent := seedAgent(t, store)
	server := seedServer(t, store, agent.ID, domains.ServerOnline)
	ctx := context.Background()

	// The last usage sample predates the staleness window; only the
	// status writes below are recent.
	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 40, RAM: 40, ReportedAt: stale}))

	stop := &domains.Task{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		ServerID:  &server.ID,
		Type:      domains.TaskStop,
		Status:    domains.TaskPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTask(ctx, stop))
	require.NoError(t, tasks.ReportResult(ctx, agent.AgentID, stop.ID, true, nil, ""))

	srv, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, domains.ServerOffline, srv.Status)

	// A heartbeat that no longer mentions the server: the agent really
	// did stop it.
	require.NoError(t, heartbeats.Ingest(ctx, agent.AgentID, HeartbeatUpdate{}))

	res, err := svc.Sync(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOffline, res.OldStatus)
	assert.Equal(t, domains.ServerOffline, res.NewStatus)

	srv, err = store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOffline, srv.Status)
}

func TestSyncHoldsErrorUntilAgentReportsRunning(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	agent := seedAgent(t, store)
	ctx := context.Background()

	// Silence from a live agent does not clear a recorded failure.
	failed := seedServer(t, store, agent.ID, domains.ServerError)
	res, err := svc.Sync(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerError, res.NewStatus)

	// A fresh usage sample does: the agent says the server is running.
	recovered := seedServer(t, store, agent.ID, domains.ServerError)
	require.NoError(t, store.UpdateServerUsage(ctx, recovered.ID, domains.ResourceUsage{CPU: 10, RAM: 10, ReportedAt: time.Now()}))
	res, err = svc.Sync(ctx, recovered.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOnline, res.NewStatus)
}

func TestSyncInFlightTaskImpliesTransitionalStatus(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	agent := seedAgent(t, store)
	server := seedServer(t, store, agent.ID, domains.ServerOnline)
	ctx := context.Background()

	task := &domains.Task{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		ServerID:  &server.ID,
		Type:      domains.TaskStop,
		Status:    domains.TaskPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.MarkTaskRunning(ctx, task.ID)
	require.NoError(t, err)

	res, err := svc.Sync(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerStopping, res.NewStatus)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	store := memory.NewStore()
	svc := NewReconcileService(store, 5*time.Minute, testLogger())
	agent := seedAgent(t, store)
	a := seedServer(t, store, agent.ID, domains.ServerOnline)
	b := seedServer(t, store, agent.ID, domains.ServerStarting)
	ctx := context.Background()

	results, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	seen := map[uuid.UUID]bool{}
	for _, r := range results {
		seen[r.ServerID] = true
	}
	assert.True(t, seen[a.ID])
	assert.True(t, seen[b.ID])
}
