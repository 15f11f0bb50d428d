package model

import (
	"errors"
)

// Failure taxonomy of the engine session. Each one implies a different remedy
// for the caller, so they are kept distinct and matched with errors.Is.
var (
	// ErrEngineNotFound means no engine executable could be resolved.
	ErrEngineNotFound = errors.New("engine executable not found")
	// ErrEngineStartupFailed means the readiness check never returned.
	ErrEngineStartupFailed = errors.New("engine startup failed")
	// ErrCommandRejected means the command gate refused the command text.
	ErrCommandRejected = errors.New("command rejected")
	// ErrEngineTimeout means no sentinel arrived before the deadline.
	ErrEngineTimeout = errors.New("engine timeout")
	// ErrEngineCrashed means end of stream was observed where output was expected.
	ErrEngineCrashed = errors.New("engine crashed")
	// ErrSessionClosed is returned by a manager after Close.
	ErrSessionClosed = errors.New("session manager closed")
)
