package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store represents the Postgres storage implementation
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Postgres store
// The database must already exist - creation is handled at the
// infrastructure/deployment level
func NewStore(connString string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// --- Machines ---

const machineColumns = `id, name, ip_address, ssh_port, ssh_user, ssh_key_path, ssh_password,
	status, last_heartbeat, agent_version, resources, created_at, updated_at`

func scanMachine(row pgx.Row) (*domains.Machine, error) {
	var m domains.Machine
	var resources []byte
	err := row.Scan(&m.ID, &m.Name, &m.IPAddress, &m.SSHPort, &m.SSHUser, &m.SSHKeyPath, &m.SSHPassword,
		&m.Status, &m.LastHeartbeat, &m.AgentVersion, &resources, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &m.Resources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
	}
	return &m, nil
}

// CreateMachine inserts a machine row
func (s *Store) CreateMachine(ctx context.Context, m *domains.Machine) error {
	resources, err := marshalJSON(m.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}

	query := `
		INSERT INTO machines (id, name, ip_address, ssh_port, ssh_user, ssh_key_path, ssh_password, status, resources)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query, m.ID, m.Name, m.IPAddress, m.SSHPort, m.SSHUser,
		m.SSHKeyPath, m.SSHPassword, m.Status, resources)
	return err
}

// GetMachine retrieves a machine by id
func (s *Store) GetMachine(ctx context.Context, id uuid.UUID) (*domains.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = $1`
	return scanMachine(s.pool.QueryRow(ctx, query, id))
}

// ListMachines retrieves all machines
func (s *Store) ListMachines(ctx context.Context) ([]domains.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []domains.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// UpdateMachineLiveness applies a liveness update to a machine
func (s *Store) UpdateMachineLiveness(ctx context.Context, id uuid.UUID, status domains.MachineStatus, upd clients.LivenessUpdate) error {
	resources, err := marshalJSON(upd.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}

	query := `
		UPDATE machines SET
			status = $2,
			last_heartbeat = COALESCE($3, last_heartbeat),
			agent_version = COALESCE($4, agent_version),
			resources = COALESCE($5, resources),
			updated_at = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, upd.Heartbeat, upd.Version, resources, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("machine %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// --- Agents ---

const agentColumns = `id, agent_id, machine_id, api_key_hash, status, last_heartbeat,
	capabilities, version, created_at, updated_at`

func scanAgent(row pgx.Row) (*domains.Agent, error) {
	var a domains.Agent
	var capabilities []byte
	err := row.Scan(&a.ID, &a.AgentID, &a.MachineID, &a.APIKeyHash, &a.Status, &a.LastHeartbeat,
		&capabilities, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	return &a, nil
}

// CreateAgent inserts an agent row
func (s *Store) CreateAgent(ctx context.Context, a *domains.Agent) error {
	capabilities, err := marshalJSON(a.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (id, agent_id, machine_id, api_key_hash, status, last_heartbeat, capabilities, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.pool.Exec(ctx, query, a.ID, a.AgentID, a.MachineID, a.APIKeyHash, a.Status,
		a.LastHeartbeat, capabilities, a.Version)
	return err
}

// GetAgentByID retrieves an agent by internal id
func (s *Store) GetAgentByID(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, id))
}

// GetAgentByExternalID retrieves an agent by external identifier
func (s *Store) GetAgentByExternalID(ctx context.Context, agentID string) (*domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, agentID))
}

// GetAgentByKeyHash retrieves an agent by its bearer key digest
func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE api_key_hash = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, hash))
}

// SetAgentKeyHash atomically replaces the agent's bearer key digest
func (s *Store) SetAgentKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	query := `UPDATE agents SET api_key_hash = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, hash, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// UpdateAgentLiveness applies a liveness update to an agent
func (s *Store) UpdateAgentLiveness(ctx context.Context, id uuid.UUID, status domains.AgentStatus, upd clients.LivenessUpdate) error {
	capabilities, err := marshalJSON(upd.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		UPDATE agents SET
			status = $2,
			last_heartbeat = COALESCE($3, last_heartbeat),
			capabilities = COALESCE($4, capabilities),
			version = COALESCE($5, version),
			updated_at = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, upd.Heartbeat, capabilities, upd.Version, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// ListAgents retrieves all agents
func (s *Store) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY created_at`
	return s.queryAgents(ctx, query)
}

// ListStaleAgents retrieves ONLINE agents whose last heartbeat is
// older than cutoff (or missing entirely)
func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE status = 'ONLINE' AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY last_heartbeat`
	return s.queryAgents(ctx, query, cutoff)
}

// CountLiveAgentsOnMachine counts ONLINE agents on a machine with a
// heartbeat newer than cutoff, excluding one agent
func (s *Store) CountLiveAgentsOnMachine(ctx context.Context, machineID uuid.UUID, cutoff time.Time, exclude uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM agents
		WHERE machine_id = $1 AND id != $2 AND status = 'ONLINE' AND last_heartbeat >= $3`
	var count int
	err := s.pool.QueryRow(ctx, query, machineID, exclude, cutoff).Scan(&count)
	return count, err
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]domains.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domains.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// --- Servers ---

const serverColumns = `id, name, user_id, agent_id, status, port, ip_address,
	resource_usage, config, created_at, updated_at`

func scanServer(row pgx.Row) (*domains.Server, error) {
	var srv domains.Server
	var usage, config []byte
	err := row.Scan(&srv.ID, &srv.Name, &srv.UserID, &srv.AgentID, &srv.Status, &srv.Port,
		&srv.IPAddress, &usage, &config, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &srv.ResourceUsage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource usage: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &srv.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	return &srv, nil
}

// CreateServer inserts a server row
func (s *Store) CreateServer(ctx context.Context, srv *domains.Server) error {
	config, err := marshalJSON(srv.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	usage, err := marshalJSON(srv.ResourceUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal resource usage: %w", err)
	}

	query := `
		INSERT INTO servers (id, name, user_id, agent_id, status, port, ip_address, resource_usage, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query, srv.ID, srv.Name, srv.UserID, srv.AgentID, srv.Status,
		srv.Port, srv.IPAddress, usage, config)
	return err
}

// GetServer retrieves a server by id
func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*domains.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	return scanServer(s.pool.QueryRow(ctx, query, id))
}

// ListServers retrieves all servers
func (s *Store) ListServers(ctx context.Context) ([]domains.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers ORDER BY created_at`
	return s.queryServers(ctx, query)
}

// ListActiveServers retrieves servers not in OFFLINE
func (s *Store) ListActiveServers(ctx context.Context) ([]domains.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE status != 'OFFLINE' ORDER BY created_at`
	return s.queryServers(ctx, query)
}

func (s *Store) queryServers(ctx context.Context, query string, args ...interface{}) ([]domains.Server, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domains.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// UpdateServerStatus sets a server's lifecycle status
func (s *Store) UpdateServerStatus(ctx context.Context, id uuid.UUID, status domains.ServerStatus) error {
	query := `UPDATE servers SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, status, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// UpdateServerConfig replaces a server's configuration blob
func (s *Store) UpdateServerConfig(ctx context.Context, id uuid.UUID, cfg domains.ServerConfig) error {
	config, err := marshalJSON(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `UPDATE servers SET config = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, config, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// UpdateServerUsage replaces a server's latest usage snapshot
func (s *Store) UpdateServerUsage(ctx context.Context, id uuid.UUID, usage domains.ResourceUsage) error {
	blob, err := marshalJSON(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal resource usage: %w", err)
	}

	query := `UPDATE servers SET resource_usage = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, blob, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// UpdateServerEndpoint assigns a server's network endpoint
func (s *Store) UpdateServerEndpoint(ctx context.Context, id uuid.UUID, ip *string, port *int) error {
	query := `UPDATE servers SET
		ip_address = COALESCE($2, ip_address),
		port = COALESCE($3, port),
		updated_at = $4
	WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, ip, port, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s: %w", id, domains.ErrNotFound)
	}
	return nil
}

// MaxServerPort returns the highest assigned port, 0 when none
func (s *Store) MaxServerPort(ctx context.Context) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(port), 0) FROM servers`).Scan(&max)
	return max, err
}

// --- Tasks ---

const taskColumns = `id, agent_id, server_id, type, payload, status, result, error,
	created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*domains.Task, error) {
	var t domains.Task
	var payload, result []byte
	err := row.Scan(&t.ID, &t.AgentID, &t.ServerID, &t.Type, &payload, &t.Status, &result,
		&t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &t, nil
}

// CreateTask inserts a task row
func (s *Store) CreateTask(ctx context.Context, t *domains.Task) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO tasks (id, agent_id, server_id, type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query, t.ID, t.AgentID, t.ServerID, t.Type, payload, t.Status, t.CreatedAt)
	return err
}

// GetTask retrieves a task by id
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domains.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

// ListTasks retrieves tasks matching the filter, newest first
func (s *Store) ListTasks(ctx context.Context, f clients.TaskFilter) ([]domains.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if f.ServerID != nil {
		args = append(args, *f.ServerID)
		query += fmt.Sprintf(" AND server_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != nil {
		args = append(args, *f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return s.queryTasks(ctx, query, args...)
}

// ListTasksForAgent retrieves an agent's tasks in a status, oldest
// first
func (s *Store) ListTasksForAgent(ctx context.Context, agentID uuid.UUID, status domains.TaskStatus, limit int) ([]domains.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE agent_id = $1 AND status = $2
		ORDER BY created_at ASC LIMIT $3`
	return s.queryTasks(ctx, query, agentID, status, limit)
}

// ListPendingTasks retrieves the oldest PENDING tasks across all
// agents
func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]domains.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'PENDING'
		ORDER BY created_at ASC LIMIT $1`
	return s.queryTasks(ctx, query, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]domains.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domains.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// MarkTaskRunning transitions a task PENDING -> RUNNING. The WHERE
// clause is the claim: concurrent callers race on the conditional
// update and exactly one wins.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID) (*domains.Task, error) {
	query := `UPDATE tasks SET status = 'RUNNING', started_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, time.Now()))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, s.taskTransitionError(ctx, id)
	}
	return task, nil
}

// FinishTask transitions a task RUNNING -> COMPLETED|FAILED with its
// outcome detail
func (s *Store) FinishTask(ctx context.Context, id uuid.UUID, status domains.TaskStatus, result map[string]interface{}, errMsg *string) (*domains.Task, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal: %w", status, domains.ErrInvalidState)
	}
	blob, err := marshalJSON(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `UPDATE tasks SET status = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING ` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, status, blob, errMsg, time.Now()))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, s.taskTransitionError(ctx, id)
	}
	return task, nil
}

func (s *Store) taskTransitionError(ctx context.Context, id uuid.UUID) error {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("task %s: %w", id, domains.ErrNotFound)
	}
	return fmt.Errorf("task %s is %s: %w", id, existing.Status, domains.ErrInvalidState)
}
