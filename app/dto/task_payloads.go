package dto

import "fleet-svc/app/domains"

// One payload shape per task type, validated at enqueue time. Payloads
// are self-contained: the agent executes them without further context
// from the controller.

// InstallPayload provisions a game server on the agent's machine. When
// the task carries no server reference it is an agent (re)install and
// the payload is ignored.
type InstallPayload struct {
	GameType string `json:"game_type" validate:"required"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1024,max=65535"`
}

// LifecyclePayload covers START, STOP, RESTART and DELETE. Graceful
// asks the agent to wait for a clean process exit before killing.
type LifecyclePayload struct {
	Graceful   bool `json:"graceful,omitempty"`
	TimeoutSec int  `json:"timeout_sec,omitempty" validate:"omitempty,min=1,max=3600"`
}

// UpdatePayload updates the game-server binaries.
type UpdatePayload struct {
	Version string `json:"version,omitempty"`
}

// BackupPayload names the backup archive to produce.
type BackupPayload struct {
	Name string `json:"name,omitempty"`
}

// ScalePayload carries the new resource allocation for SCALE_UP and
// SCALE_DOWN tasks.
type ScalePayload struct {
	RAMMB    int `json:"ram_mb" validate:"required,min=1024,max=16384"`
	CPUCores int `json:"cpu_cores" validate:"required,min=1,max=8"`
}

// TaskPayloadRegistry maps task types to their payload shapes for
// enqueue-time validation.
var TaskPayloadRegistry = map[domains.TaskType]interface{}{
	domains.TaskInstall:   InstallPayload{},
	domains.TaskStart:     LifecyclePayload{},
	domains.TaskStop:      LifecyclePayload{},
	domains.TaskRestart:   LifecyclePayload{},
	domains.TaskDelete:    LifecyclePayload{},
	domains.TaskUpdate:    UpdatePayload{},
	domains.TaskBackup:    BackupPayload{},
	domains.TaskScaleUp:   ScalePayload{},
	domains.TaskScaleDown: ScalePayload{},
}
