package session

import (
	"fmt"

	"github.com/gapd-project/gapd/internal/model"
)

// Reasons reported by CrashError.
const (
	ReasonEndOfStream   = "end of stream"
	ReasonStderrClosed  = "stderr closed"
	ReasonProcessExited = "process exited"
	ReasonReset         = "session reset"
	ReasonClosed        = "manager closed"
	ReasonStdin         = "stdin write failed"
	ReasonStartup       = "startup failed"
	ReasonRecycled      = "session recycled"
	ReasonUnresponsive  = "engine unresponsive"
)

// CrashError is returned to callers whose generation died under them. It
// matches model.ErrEngineCrashed.
type CrashError struct {
	Generation uint64
	Reason     string
	ExitErr    error
}

func (e *CrashError) Error() string {
	if e.ExitErr != nil {
		return fmt.Sprintf("engine crashed (generation %d): %s: %v", e.Generation, e.Reason, e.ExitErr)
	}
	return fmt.Sprintf("engine crashed (generation %d): %s", e.Generation, e.Reason)
}

func (e *CrashError) Is(target error) bool {
	return target == model.ErrEngineCrashed
}

func (e *CrashError) Unwrap() error {
	return e.ExitErr
}
