package tools

import (
	"errors"
	"strings"

	"github.com/gapd-project/gapd/internal/model"
)

// Message renders err as the text returned to a caller. Every error class of
// the session layer gets a distinct wording.
func Message(err error) string {
	var gapErr *GAPError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &gapErr):
		return gapErr.Error()
	case errors.Is(err, ErrInvalidInput):
		return "Invalid input: " + strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": ")
	case errors.Is(err, model.ErrCommandRejected):
		return "Rejected: " + err.Error()
	case errors.Is(err, model.ErrEngineTimeout):
		return "Timeout: " + err.Error() + ". The session is still alive; use gap_reset to abort the running computation."
	case errors.Is(err, model.ErrEngineCrashed):
		return "GAP crashed: " + err.Error() + ". Session state is lost; the next call starts a fresh session."
	case errors.Is(err, model.ErrEngineNotFound):
		return "GAP not found: " + err.Error()
	case errors.Is(err, model.ErrEngineStartupFailed):
		return "GAP failed to start: " + err.Error()
	case errors.Is(err, model.ErrSessionClosed):
		return "Server is shutting down."
	default:
		return "Error: " + err.Error()
	}
}
