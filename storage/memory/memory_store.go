// Package memory provides an in-memory StorageAdapter used by tests
// and local development. Semantics mirror the Postgres store: lookups
// return (nil, nil) for missing rows and task transitions are
// conditional.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"

	"github.com/google/uuid"
)

// Store is a mutex-guarded map-backed StorageAdapter.
type Store struct {
	mu       sync.RWMutex
	machines map[uuid.UUID]*domains.Machine
	agents   map[uuid.UUID]*domains.Agent
	servers  map[uuid.UUID]*domains.Server
	tasks    map[uuid.UUID]*domains.Task
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		machines: make(map[uuid.UUID]*domains.Machine),
		agents:   make(map[uuid.UUID]*domains.Agent),
		servers:  make(map[uuid.UUID]*domains.Server),
		tasks:    make(map[uuid.UUID]*domains.Task),
	}
}

// --- Machines ---

func (s *Store) CreateMachine(ctx context.Context, m *domains.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.machines[m.ID]; exists {
		return fmt.Errorf("machine %s already exists", m.ID)
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.machines[m.ID] = &cp
	return nil
}

func (s *Store) GetMachine(ctx context.Context, id uuid.UUID) (*domains.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMachines(ctx context.Context) ([]domains.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domains.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateMachineLiveness(ctx context.Context, id uuid.UUID, status domains.MachineStatus, upd clients.LivenessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return fmt.Errorf("machine %s: %w", id, domains.ErrNotFound)
	}
	m.Status = status
	if upd.Heartbeat != nil {
		hb := *upd.Heartbeat
		m.LastHeartbeat = &hb
	}
	if upd.Version != nil {
		v := *upd.Version
		m.AgentVersion = &v
	}
	if upd.Resources != nil {
		r := *upd.Resources
		m.Resources = &r
	}
	m.UpdatedAt = time.Now()
	return nil
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, a *domains.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.AgentID == a.AgentID {
			return fmt.Errorf("agent %s already exists", a.AgentID)
		}
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *Store) GetAgentByID(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAgentByExternalID(ctx context.Context, agentID string) (*domains.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.AgentID == agentID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*domains.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.APIKeyHash == hash && hash != "" {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) SetAgentKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domains.ErrNotFound)
	}
	a.APIKeyHash = hash
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateAgentLiveness(ctx context.Context, id uuid.UUID, status domains.AgentStatus, upd clients.LivenessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domains.ErrNotFound)
	}
	a.Status = status
	if upd.Heartbeat != nil {
		hb := *upd.Heartbeat
		a.LastHeartbeat = &hb
	}
	if upd.Capabilities != nil {
		a.Capabilities = upd.Capabilities
	}
	if upd.Version != nil {
		a.Version = *upd.Version
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domains.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]domains.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domains.Agent
	for _, a := range s.agents {
		if a.Status != domains.AgentOnline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountLiveAgentsOnMachine(ctx context.Context, machineID uuid.UUID, cutoff time.Time, exclude uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.agents {
		if a.MachineID != machineID || a.ID == exclude {
			continue
		}
		if a.Status == domains.AgentOnline && a.LastHeartbeat != nil && !a.LastHeartbeat.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// --- Servers ---

func (s *Store) CreateServer(ctx context.Context, srv *domains.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[srv.ID]; exists {
		return fmt.Errorf("server %s already exists", srv.ID)
	}
	now := time.Now()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	cp := *srv
	s.servers[srv.ID] = &cp
	return nil
}

func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*domains.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *srv
	return &cp, nil
}

func (s *Store) ListServers(ctx context.Context) ([]domains.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domains.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveServers(ctx context.Context) ([]domains.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domains.Server
	for _, srv := range s.servers {
		if srv.Status != domains.ServerOffline {
			out = append(out, *srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateServerStatus(ctx context.Context, id uuid.UUID, status domains.ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	srv.Status = status
	srv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateServerConfig(ctx context.Context, id uuid.UUID, cfg domains.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	srv.Config = cfg
	srv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateServerUsage(ctx context.Context, id uuid.UUID, usage domains.ResourceUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	u := usage
	srv.ResourceUsage = &u
	srv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateServerEndpoint(ctx context.Context, id uuid.UUID, ip *string, port *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	if ip != nil {
		v := *ip
		srv.IPAddress = &v
	}
	if port != nil {
		p := *port
		srv.Port = &p
	}
	srv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MaxServerPort(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, srv := range s.servers {
		if srv.Port != nil && *srv.Port > max {
			max = *srv.Port
		}
	}
	return max, nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *domains.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domains.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasks(ctx context.Context, f clients.TaskFilter) ([]domains.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domains.Task
	for _, t := range s.tasks {
		if f.AgentID != nil && t.AgentID != *f.AgentID {
			continue
		}
		if f.ServerID != nil && (t.ServerID == nil || *t.ServerID != *f.ServerID) {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Type != nil && t.Type != *f.Type {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListTasksForAgent(ctx context.Context, agentID uuid.UUID, status domains.TaskStatus, limit int) ([]domains.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domains.Task
	for _, t := range s.tasks {
		if t.AgentID == agentID && t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]domains.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domains.Task
	for _, t := range s.tasks {
		if t.Status == domains.TaskPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID) (*domains.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domains.ErrNotFound)
	}
	if t.Status != domains.TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, domains.ErrInvalidState)
	}
	now := time.Now()
	t.Status = domains.TaskRunning
	t.StartedAt = &now
	cp := *t
	return &cp, nil
}

func (s *Store) FinishTask(ctx context.Context, id uuid.UUID, status domains.TaskStatus, result map[string]interface{}, errMsg *string) (*domains.Task, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal: %w", status, domains.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domains.ErrNotFound)
	}
	if t.Status != domains.TaskRunning {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, domains.ErrInvalidState)
	}
	now := time.Now()
	t.Status = status
	t.Result = result
	t.CompletedAt = &now
	if errMsg != nil {
		v := *errMsg
		t.Error = &v
	}
	cp := *t
	return &cp, nil
}
