package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"fleet-svc/app/domains"
	"fleet-svc/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInstaller struct {
	calls   int
	succeed bool
}

func (f *fakeInstaller) InstallAgent(ctx context.Context, creds ShellCredentials, controllerURL, registrationToken string) *InstallResult {
	f.calls++
	if f.succeed {
		return &InstallResult{Success: true, Logs: []string{"install ok"}}
	}
	return &InstallResult{
		Logs: []string{"connect failed"},
		Err:  &domains.RemoteExecutionError{Op: "connect", Logs: []string{"connect failed"}, Err: context.DeadlineExceeded},
	}
}

func newTaskFixture(t *testing.T) (*memory.Store, *TaskService, *domains.Agent, *fakeInstaller) {
	t.Helper()
	store := memory.NewStore()
	agent := seedAgent(t, store)
	installer := &fakeInstaller{succeed: true}
	svc := NewTaskService(store, installer, "http://controller:8080", "reg-token", 8, testLogger())
	return store, svc, agent, installer
}

func seedServer(t *testing.T, store *memory.Store, agentID uuid.UUID, status domains.ServerStatus) *domains.Server {
	t.Helper()
	server := &domains.Server{
		ID:      uuid.New(),
		Name:    "mc-1",
		UserID:  "user-1",
		AgentID: &agentID,
		Status:  status,
		Config: domains.ServerConfig{
			GameType:       "minecraft",
			ResourceLimits: domains.ResourceLimits{RAMMB: 2048, CPUCores: 2},
		},
	}
	require.NoError(t, store.CreateServer(context.Background(), server))
	return server
}

func TestEnqueueValidatesPayload(t *testing.T) {
	_, svc, agent, _ := newTaskFixture(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, agent.ID, domains.TaskScaleUp, map[string]interface{}{
		"ram_mb": 512, // below floor
	}, nil)
	assert.ErrorIs(t, err, domains.ErrValidation)

	_, err = svc.Enqueue(ctx, agent.ID, domains.TaskType("EXPLODE"), nil, nil)
	assert.ErrorIs(t, err, domains.ErrValidation)
}

func TestEnqueueRejectsForeignServer(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	other := seedAgent(t, store)
	server := seedServer(t, store, other.ID, domains.ServerOnline)

	_, err := svc.Enqueue(context.Background(), agent.ID, domains.TaskStart, nil, &server.ID)
	assert.ErrorIs(t, err, domains.ErrValidation)
}

func TestEnqueueUnknownAgent(t *testing.T) {
	_, svc, _, _ := newTaskFixture(t)

	_, err := svc.Enqueue(context.Background(), uuid.New(), domains.TaskBackup, nil, nil)
	assert.ErrorIs(t, err, domains.ErrNotFound)
}

func TestPollReturnsOwnPendingOldestFirst(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	other := seedAgent(t, store)
	ctx := context.Background()

	var created []*domains.Task
	for i := 0; i < 3; i++ {
		task, err := svc.Enqueue(ctx, agent.ID, domains.TaskBackup, nil, nil)
		require.NoError(t, err)
		created = append(created, task)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt ordering
	}
	_, err := svc.Enqueue(ctx, other.ID, domains.TaskBackup, nil, nil)
	require.NoError(t, err)

	tasks, err := svc.Poll(ctx, agent.AgentID, domains.TaskPending, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, created[0].ID, tasks[0].ID)
	assert.Equal(t, created[2].ID, tasks[2].ID)
}

func TestPollClampsLimit(t *testing.T) {
	_, svc, agent, _ := newTaskFixture(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := svc.Enqueue(ctx, agent.ID, domains.TaskBackup, nil, nil)
		require.NoError(t, err)
	}

	tasks, err := svc.Poll(ctx, agent.AgentID, domains.TaskPending, 100)
	require.NoError(t, err)
	assert.Len(t, tasks, 10)
}

func TestExecuteTaskStateMachine(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	server := seedServer(t, store, agent.ID, domains.ServerOffline)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskStart, nil, &server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskPending, task.Status)

	require.NoError(t, svc.Execute(ctx, task.ID))

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	// Terminal states are final: a second execution cannot claim it.
	err = svc.Execute(ctx, task.ID)
	assert.ErrorIs(t, err, domains.ErrInvalidState)

	updated, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOnline, updated.Status)
}

func TestExecuteAgentReinstall(t *testing.T) {
	store, svc, agent, installer := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskInstall, nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Execute(ctx, task.ID))
	assert.Equal(t, 1, installer.calls)

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskCompleted, done.Status)

	machine, err := store.GetMachine(ctx, agent.MachineID)
	require.NoError(t, err)
	assert.Equal(t, domains.MachineOnline, machine.Status)
}

func TestExecuteFailureRecordsTranscript(t *testing.T) {
	store, svc, agent, installer := newTaskFixture(t)
	installer.succeed = false
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskInstall, nil, nil)
	require.NoError(t, err)

	err = svc.Execute(ctx, task.ID)
	require.Error(t, err)

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "connect failed")
}

func TestReportResultOwnershipAndTransitions(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	other := seedAgent(t, store)
	server := seedServer(t, store, agent.ID, domains.ServerStarting)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskStart, nil, &server.ID)
	require.NoError(t, err)

	// Another agent cannot report on it.
	err = svc.ReportResult(ctx, other.AgentID, task.ID, true, nil, "")
	assert.ErrorIs(t, err, domains.ErrUnauthorized)

	// The owner reports success straight from PENDING.
	err = svc.ReportResult(ctx, agent.AgentID, task.ID, true, map[string]interface{}{"pid": 42.0}, "")
	require.NoError(t, err)

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskCompleted, done.Status)
	assert.Equal(t, 42.0, done.Result["pid"])

	updated, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerOnline, updated.Status)

	// A terminal task admits no second report.
	err = svc.ReportResult(ctx, agent.AgentID, task.ID, false, nil, "boom")
	assert.ErrorIs(t, err, domains.ErrInvalidState)
}

func TestReportFailureMarksServerError(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	server := seedServer(t, store, agent.ID, domains.ServerStarting)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskStart, nil, &server.ID)
	require.NoError(t, err)

	require.NoError(t, svc.ReportResult(ctx, agent.AgentID, task.ID, false, nil, "port already bound"))

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, "port already bound", *done.Error)

	updated, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.ServerError, updated.Status)
}

func TestDrainPendingIsolatesFailures(t *testing.T) {
	store, svc, agent, installer := newTaskFixture(t)
	installer.succeed = false
	ctx := context.Background()

	// One task that will fail (reinstall against a broken installer)
	// and one that will succeed.
	_, err := svc.Enqueue(ctx, agent.ID, domains.TaskInstall, nil, nil)
	require.NoError(t, err)
	ok, err := svc.Enqueue(ctx, agent.ID, domains.TaskBackup, map[string]interface{}{"name": "nightly"}, nil)
	require.NoError(t, err)

	processed, failed := svc.DrainPending(ctx, 10)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)

	done, err := store.GetTask(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domains.TaskCompleted, done.Status)
}

func TestProvisionAssignsEndpoint(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	ctx := context.Background()

	existing := seedServer(t, store, agent.ID, domains.ServerOnline)
	port := 27020
	require.NoError(t, store.UpdateServerEndpoint(ctx, existing.ID, nil, &port))

	server := seedServer(t, store, agent.ID, domains.ServerOffline)
	task, err := svc.Enqueue(ctx, agent.ID, domains.TaskInstall, map[string]interface{}{"game_type": "minecraft"}, &server.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Execute(ctx, task.ID))

	updated, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.Port)
	assert.Equal(t, 27021, *updated.Port)
	require.NotNil(t, updated.IPAddress)
	assert.Equal(t, "10.0.0.10", *updated.IPAddress)
}

func TestWorkerPoolDrainsOnClose(t *testing.T) {
	store, svc, agent, _ := newTaskFixture(t)
	ctx := context.Background()

	svc.Start(ctx, 2)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		task, err := svc.Enqueue(ctx, agent.ID, domains.TaskBackup, nil, nil)
		require.NoError(t, err)
		ids = append(ids, task.ID)
		svc.Submit(task.ID)
	}

	svc.Close()

	for _, id := range ids {
		done, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domains.TaskCompleted, done.Status)
	}
}
