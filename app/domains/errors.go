package domains

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy surfaced by services. Handlers map these to HTTP
// status codes; everything else is an internal error.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// RemoteExecutionError is a shell/bootstrap/install failure. It keeps
// the partial transcript so the operator can diagnose without
// re-running; callers decide whether to re-trigger.
type RemoteExecutionError struct {
	Op   string
	Logs []string
	Err  error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution failed during %s: %v", e.Op, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// Transcript returns the captured log lines as one block.
func (e *RemoteExecutionError) Transcript() string {
	return strings.Join(e.Logs, "\n")
}
