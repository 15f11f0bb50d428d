package session

import "time"

// Outcome classifies a finished Execute call.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCrashed  Outcome = "crashed"
	OutcomeError    Outcome = "error"
)

// Observer receives lifecycle events of a Manager. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	SessionStarted(generation uint64, startup time.Duration)
	SessionStopped(generation uint64, reason string, age time.Duration)
	StartupFailed(err error)
	CommandDone(outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(uint64, time.Duration)         {}
func (nopObserver) SessionStopped(uint64, string, time.Duration) {}
func (nopObserver) StartupFailed(error)                          {}
func (nopObserver) CommandDone(Outcome, time.Duration)           {}
