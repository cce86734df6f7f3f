package domains

import (
	"time"

	"github.com/google/uuid"
)

// TaskType enumerates the asynchronous work a task can carry.
type TaskType string

const (
	TaskInstall   TaskType = "INSTALL"
	TaskStart     TaskType = "START"
	TaskStop      TaskType = "STOP"
	TaskRestart   TaskType = "RESTART"
	TaskUpdate    TaskType = "UPDATE"
	TaskBackup    TaskType = "BACKUP"
	TaskDelete    TaskType = "DELETE"
	TaskScaleUp   TaskType = "SCALE_UP"
	TaskScaleDown TaskType = "SCALE_DOWN"
)

// TaskStatus is the task state machine:
// PENDING -> RUNNING -> COMPLETED | FAILED. Terminal states are final;
// retrying a failed operation means enqueuing a new task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one unit of asynchronous work owned by exactly one agent,
// optionally tied to one server. Ordering between tasks of the same
// agent is FIFO by CreatedAt; dependent operations must be enqueued in
// dependency order by the caller.
type Task struct {
	ID          uuid.UUID              `db:"id"`
	AgentID     uuid.UUID              `db:"agent_id"`
	ServerID    *uuid.UUID             `db:"server_id"`
	Type        TaskType               `db:"type"`
	Payload     map[string]interface{} `db:"payload"`
	Status      TaskStatus             `db:"status"`
	Result      map[string]interface{} `db:"result"`
	Error       *string                `db:"error"`
	CreatedAt   time.Time              `db:"created_at"`
	StartedAt   *time.Time             `db:"started_at"`
	CompletedAt *time.Time             `db:"completed_at"`
}
