package services

import (
	"context"
	"testing"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"
	"fleet-svc/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScalingFixture(t *testing.T) (*memory.Store, *ScalingService, *domains.Agent) {
	t.Helper()
	store := memory.NewStore()
	agent := seedAgent(t, store)
	tasks := NewTaskService(store, &fakeInstaller{succeed: true}, "http://controller:8080", "reg-token", 8, testLogger())
	svc := NewScalingService(store, tasks, 0, 0, testLogger())
	return store, svc, agent
}

func TestConfiguredThresholdsOverrideDefaults(t *testing.T) {
	store := memory.NewStore()
	agent := seedAgent(t, store)
	tasks := NewTaskService(store, &fakeInstaller{succeed: true}, "http://controller:8080", "reg-token", 8, testLogger())
	svc := NewScalingService(store, tasks, 90, 10, testLogger())
	ctx := context.Background()

	// 80/80 trips the stock 70% threshold but sits below the configured
	// 90%; 20/20 clears the stock 30% floor but not the configured 10%.
	server := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 80, RAM: 80}))
	decision, err := svc.CheckAndScale(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", decision.Action, decision.Reason)

	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 20, RAM: 20}))
	decision, err = svc.CheckAndScale(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", decision.Action, decision.Reason)

	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 95, RAM: 40}))
	decision, err = svc.CheckAndScale(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "scale_up", decision.Action, decision.Reason)

	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 5, RAM: 5}))
	decision, err = svc.CheckAndScale(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "scale_down", decision.Action, decision.Reason)
}

func TestDecisionThresholds(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		cpu    float64
		ram    float64
		action string
	}{
		{"cpu above", 75, 40, "scale_up"},
		{"ram above", 20, 85, "scale_up"},
		{"both below", 10, 15, "scale_down"},
		{"dead band", 50, 50, "none"},
		{"cpu low ram mid", 10, 50, "none"},
		{"boundary up", 70, 70, "none"},
		{"boundary down", 30, 30, "none"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := seedServer(t, store, agent.ID, domains.ServerOnline)
			require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: tc.cpu, RAM: tc.ram}))

			decision, err := svc.CheckAndScale(ctx, server.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.action, decision.Action, decision.Reason)
		})
	}
}

func TestDecisionSkipsNonOnlineAndUnsampled(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()

	stopped := seedServer(t, store, agent.ID, domains.ServerOffline)
	decision, err := svc.CheckAndScale(ctx, stopped.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", decision.Action)

	unsampled := seedServer(t, store, agent.ID, domains.ServerOnline)
	decision, err = svc.CheckAndScale(ctx, unsampled.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", decision.Action)
}

func TestScaleUpComputesLimits(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()
	server := seedServer(t, store, agent.ID, domains.ServerOnline) // 2048MB / 2 cores

	task, limits, err := svc.Scale(ctx, server.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskScaleUp, task.Type)
	assert.Equal(t, 3072, limits.RAMMB)
	assert.Equal(t, 3, limits.CPUCores)
	assert.Equal(t, 3072, task.Payload["ram_mb"])
}

func TestScaleDownComputesLimits(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()
	server := seedServer(t, store, agent.ID, domains.ServerOnline)

	task, limits, err := svc.Scale(ctx, server.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskScaleDown, task.Type)
	assert.Equal(t, 1536, limits.RAMMB)
	assert.Equal(t, 1, limits.CPUCores)
}

func TestScaleRespectsBounds(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()

	high := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerConfig(ctx, high.ID, domains.ServerConfig{
		ResourceLimits: domains.ResourceLimits{RAMMB: 16384, CPUCores: 8},
	}))
	_, limits, err := svc.Scale(ctx, high.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 16384, limits.RAMMB)
	assert.Equal(t, 8, limits.CPUCores)

	low := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerConfig(ctx, low.ID, domains.ServerConfig{
		ResourceLimits: domains.ResourceLimits{RAMMB: 1024, CPUCores: 1},
	}))
	_, limits, err = svc.Scale(ctx, low.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1024, limits.RAMMB)
	assert.Equal(t, 1, limits.CPUCores)
}

func TestDecisionAtBoundsIsNone(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()

	server := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerConfig(ctx, server.ID, domains.ServerConfig{
		ResourceLimits: domains.ResourceLimits{RAMMB: 16384, CPUCores: 8},
	}))
	require.NoError(t, store.UpdateServerUsage(ctx, server.ID, domains.ResourceUsage{CPU: 95, RAM: 95}))

	decision, err := svc.CheckAndScale(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", decision.Action)
}

func TestCheckAllAppliesDecisions(t *testing.T) {
	store, svc, agent := newScalingFixture(t)
	ctx := context.Background()

	hot := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerUsage(ctx, hot.ID, domains.ResourceUsage{CPU: 90, RAM: 40}))
	calm := seedServer(t, store, agent.ID, domains.ServerOnline)
	require.NoError(t, store.UpdateServerUsage(ctx, calm.ID, domains.ResourceUsage{CPU: 50, RAM: 50}))

	decisions, applied, err := svc.CheckAll(ctx)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
	assert.Equal(t, 1, applied)

	scaleUp := domains.TaskScaleUp
	tasks, err := store.ListTasks(ctx, clients.TaskFilter{Type: &scaleUp})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].ServerID)
	assert.Equal(t, hot.ID, *tasks[0].ServerID)
}
