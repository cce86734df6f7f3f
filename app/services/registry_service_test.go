package services

import (
	"context"
	"testing"

	"fleet-svc/app/domains"
	"fleet-svc/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryFixture(t *testing.T) (*memory.Store, *RegistryService) {
	t.Helper()
	store := memory.NewStore()
	svc := NewRegistryService(store, NewAPIKeyService(store), testLogger())
	return store, svc
}

func seedMachine(t *testing.T, svc *RegistryService) *domains.Machine {
	t.Helper()
	machine := &domains.Machine{Name: "host-1", IPAddress: "10.0.0.10", SSHUser: "root"}
	require.NoError(t, svc.CreateMachine(context.Background(), machine))
	return machine
}

func TestRegisterAgentIssuesKey(t *testing.T) {
	store, svc := newRegistryFixture(t)
	machine := seedMachine(t, svc)
	ctx := context.Background()

	agent, key, m, err := svc.RegisterAgent(ctx, machine.ID, "", "1.0.0", map[string]interface{}{"docker": true})
	require.NoError(t, err)
	assert.NotEmpty(t, agent.AgentID)
	assert.NotEmpty(t, key)
	assert.Equal(t, machine.Name, m.Name)
	assert.Equal(t, domains.AgentOnline, agent.Status)

	stored, err := store.GetAgentByExternalID(ctx, agent.AgentID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, HashKey(key), stored.APIKeyHash)
}

func TestRegisterAgentUnknownMachine(t *testing.T) {
	_, svc := newRegistryFixture(t)

	_, _, _, err := svc.RegisterAgent(context.Background(), uuid.New(), "", "", nil)
	assert.ErrorIs(t, err, domains.ErrNotFound)
}

func TestReRegisterRotatesKeyOnSameRecord(t *testing.T) {
	store, svc := newRegistryFixture(t)
	machine := seedMachine(t, svc)
	ctx := context.Background()

	first, oldKey, _, err := svc.RegisterAgent(ctx, machine.ID, "node-a", "1.0.0", nil)
	require.NoError(t, err)

	second, newKey, _, err := svc.RegisterAgent(ctx, machine.ID, "node-a", "1.1.0", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, oldKey, newKey)

	stored, err := store.GetAgentByExternalID(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, HashKey(newKey), stored.APIKeyHash)
	assert.Equal(t, "1.1.0", stored.Version)

	agents, err := svc.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestReRegisterOnOtherMachineRejected(t *testing.T) {
	_, svc := newRegistryFixture(t)
	a := seedMachine(t, svc)
	b := &domains.Machine{Name: "host-2", IPAddress: "10.0.0.11", SSHUser: "root"}
	require.NoError(t, svc.CreateMachine(context.Background(), b))

	_, _, _, err := svc.RegisterAgent(context.Background(), a.ID, "node-a", "", nil)
	require.NoError(t, err)

	_, _, _, err = svc.RegisterAgent(context.Background(), b.ID, "node-a", "", nil)
	assert.ErrorIs(t, err, domains.ErrValidation)
}

func TestCreateMachineDefaults(t *testing.T) {
	_, svc := newRegistryFixture(t)
	machine := seedMachine(t, svc)

	assert.NotEqual(t, uuid.Nil, machine.ID)
	assert.Equal(t, 22, machine.SSHPort)
	assert.Equal(t, domains.MachineUnknown, machine.Status)
}

func TestCreateServerChecksAgent(t *testing.T) {
	store, svc := newRegistryFixture(t)
	agent := seedAgent(t, store)
	ctx := context.Background()

	ghost := uuid.New()
	err := svc.CreateServer(ctx, &domains.Server{Name: "s", UserID: "u", AgentID: &ghost})
	assert.ErrorIs(t, err, domains.ErrNotFound)

	server := &domains.Server{Name: "s", UserID: "u", AgentID: &agent.ID}
	require.NoError(t, svc.CreateServer(ctx, server))
	assert.Equal(t, domains.ServerOffline, server.Status)
}
