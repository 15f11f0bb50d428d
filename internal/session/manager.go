// Package session owns the persistent GAP engine. A Manager keeps at most one
// live engine generation, frames every command with a sentinel token,
// serializes callers and replaces the engine when it dies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gapd-project/gapd/internal/engine"
	"github.com/gapd-project/gapd/internal/gate"
	"github.com/gapd-project/gapd/internal/log"
	"github.com/gapd-project/gapd/internal/model"
)

// Result of one command.
type Result struct {
	Output      string   // stdout preceding the sentinel, verbatim
	Diagnostics []string // stderr lines written by the command
	Generation  uint64
	Duration    time.Duration
}

// Options configure a Manager. Zero durations fall back to the model defaults.
type Options struct {
	Executable     string // empty means resolve with Locator
	Locator        *engine.Locator
	Args           []string
	Env            []string
	Dir            string
	Init           []string
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	DefaultTimeout time.Duration
	StderrLines    int
	Gate           *gate.Gate
	Observer       Observer
}

// OptionsFromConfig maps the engine section of the configuration.
func OptionsFromConfig(cfg *model.Engine) Options {
	var executable string
	if cfg != nil {
		executable = model.Get(cfg.Executable)
	}
	return Options{
		Executable:     executable,
		Args:           cfg.ArgsOr(),
		Env:            cfg.EnvList(),
		Init:           cfg.InitOr(),
		StartupTimeout: cfg.StartupTimeoutOr(),
		StopTimeout:    cfg.StopTimeoutOr(),
		DefaultTimeout: cfg.DefaultTimeoutOr(),
		StderrLines:    cfg.StderrLinesOr(),
	}
}

// Manager is the single entry point to the engine. It is safe for concurrent
// use; Get follows check, lock, check so the fast path never takes the mutex.
type Manager struct {
	opts Options

	mx         sync.Mutex // guards building and tearing down generations
	current    atomic.Pointer[Session]
	generation uint64
	starting   atomic.Bool
	closed     atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = model.DefaultStartupTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = model.DefaultStopTimeout
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = model.DefaultTimeout
	}
	if opts.StderrLines <= 0 {
		opts.StderrLines = model.DefaultStderrLines
	}
	if opts.Gate == nil {
		opts.Gate = gate.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Locator == nil {
		l := engine.NewLocator()
		opts.Locator = &l
	}
	return &Manager{opts: opts}
}

// Gate returns the command gate applied by Execute.
func (m *Manager) Gate() *gate.Gate {
	return m.opts.Gate
}

// Get returns the live session, starting one when there is none or the
// previous one died.
func (m *Manager) Get(ctx context.Context) (*Session, error) {
	if m.closed.Load() {
		return nil, model.ErrSessionClosed
	}
	if s := m.current.Load(); s != nil && s.Alive() {
		return s, nil
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed.Load() {
		return nil, model.ErrSessionClosed
	}
	if s := m.current.Load(); s != nil {
		if s.Alive() {
			return s, nil
		}
		m.teardown(ctx, s, s.deathReason())
	}
	return m.build(ctx)
}

// build starts the next generation. Caller holds mx.
func (m *Manager) build(ctx context.Context) (*Session, error) {
	path, err := m.opts.Locator.Locate(m.opts.Executable)
	if err != nil {
		m.opts.Observer.StartupFailed(err)
		return nil, err
	}

	m.generation++
	ctx = log.ContextAttrs(ctx, slog.Uint64("generation", m.generation))
	m.starting.Store(true)
	defer m.starting.Store(false)

	begin := time.Now()
	// startup is bounded by its own timeout, not by the caller
	s, err := start(context.WithoutCancel(ctx), m.generation, startOptions{
		command: engine.Command{
			Path: path,
			Args: m.opts.Args,
			Env:  m.opts.Env,
			Dir:  m.opts.Dir,
		},
		init:           m.opts.Init,
		startupTimeout: m.opts.StartupTimeout,
		stopTimeout:    m.opts.StopTimeout,
		stderrLines:    m.opts.StderrLines,
	})
	if err != nil {
		slog.ErrorContext(ctx, "engine startup failed", "path", path, "error", err)
		m.opts.Observer.StartupFailed(err)
		return nil, err
	}
	s.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
	m.current.Store(s)
	slog.InfoContext(ctx, "engine session started", "path", path, "pid", s.Pid(), "startup", time.Since(begin))
	m.opts.Observer.SessionStarted(s.generation, time.Since(begin))
	return s, nil
}

// teardown stops s and forgets it. Caller holds mx.
func (m *Manager) teardown(ctx context.Context, s *Session, reason string) {
	m.current.CompareAndSwap(s, nil)
	s.shutdown(reason)
	slog.InfoContext(ctx, "engine session stopped", "generation", s.generation, "reason", reason)
	m.opts.Observer.SessionStopped(s.generation, reason, s.Age())
}

// Reset stops the current session, if any. Callers waiting on it fail with
// model.ErrEngineCrashed; the next Get starts a fresh generation.
func (m *Manager) Reset(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if s := m.current.Load(); s != nil {
		m.teardown(ctx, s, ReasonReset)
	}
	return nil
}

// Close stops the session and rejects every later call.
func (m *Manager) Close() error {
	m.closed.Store(true)
	m.mx.Lock()
	defer m.mx.Unlock()
	if s := m.current.Load(); s != nil {
		m.teardown(context.Background(), s, ReasonClosed)
	}
	return nil
}

// Current returns the live session without starting one.
func (m *Manager) Current() *Session {
	return m.current.Load()
}

func (m *Manager) State() State {
	if s := m.current.Load(); s != nil {
		return s.State()
	}
	if m.starting.Load() {
		return StateStarting
	}
	return StateUninitialized
}

// Stderr returns the recent diagnostics of the current session.
func (m *Manager) Stderr() []string {
	if s := m.current.Load(); s != nil {
		return s.Stderr()
	}
	return nil
}

// Execute submits text to the engine and waits for its output. A timeout of
// zero uses the default. Waiting for an earlier command counts against the
// timeout. On timeout the engine keeps running the command; its output is
// discarded before the next command is served.
func (m *Manager) Execute(ctx context.Context, text string, timeout time.Duration) (Result, error) {
	begin := time.Now()
	res, err := m.execute(ctx, text, timeout)
	m.opts.Observer.CommandDone(outcome(err), time.Since(begin))
	return res, err
}

func (m *Manager) execute(ctx context.Context, text string, timeout time.Duration) (Result, error) {
	if m.closed.Load() {
		return Result{}, model.ErrSessionClosed
	}
	if err := m.opts.Gate.Err(text); err != nil {
		slog.InfoContext(ctx, "command rejected", "error", err)
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	// engine side state is gone, the first caller after a crash learns about it
	if s := m.current.Load(); s != nil && !s.Alive() && s.reported.CompareAndSwap(false, true) {
		err := s.crashError(s.deathReason())
		m.mx.Lock()
		if m.current.Load() == s {
			m.teardown(ctx, s, s.deathReason())
		}
		m.mx.Unlock()
		return Result{}, err
	}

	s, err := m.Get(ctx)
	if err != nil {
		return Result{}, err
	}

	ctx = log.ContextAttrs(ctx, slog.Uint64("generation", s.generation))
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.execute(cmdCtx, text)
	if errors.Is(err, errAbandoned) || errors.Is(err, errNotSent) {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		slog.WarnContext(ctx, "command timed out", "timeout", timeout)
		return Result{}, fmt.Errorf("%w: no answer within %s", model.ErrEngineTimeout, timeout)
	}
	if err != nil {
		slog.WarnContext(ctx, "command failed", "error", err)
		return Result{}, err
	}
	slog.DebugContext(ctx, "command done", "duration", res.Duration)
	return res, nil
}

// Heal replaces a dead session. With prestart it also starts a session when
// there is none.
func (m *Manager) Heal(ctx context.Context, prestart bool) (bool, error) {
	s := m.current.Load()
	if s != nil && s.Alive() {
		return false, nil
	}
	if s == nil && !prestart {
		return false, nil
	}
	_, err := m.Get(ctx)
	return s != nil, err
}

// Recycle stops the current session when it is older than maxAge and idle.
// A busy session is left alone.
func (m *Manager) Recycle(ctx context.Context, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	s := m.current.Load()
	if s == nil || s.Age() < maxAge || !s.tryAcquire() {
		return false
	}
	// the slot is never released, shutdown unblocks everybody
	m.teardown(ctx, s, ReasonRecycled)
	return true
}

// Ping round-trips a bare sentinel through an idle session. An engine that
// does not answer within timeout is stopped. A busy or absent session is
// not pinged.
func (m *Manager) Ping(ctx context.Context, timeout time.Duration) error {
	s := m.current.Load()
	if s == nil || !s.Alive() || !s.tryAcquire() {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _, err := s.exchange(pingCtx, "")
	if err == nil {
		s.release()
		return nil
	}
	if errors.Is(err, errAbandoned) || errors.Is(err, errNotSent) {
		m.mx.Lock()
		if m.current.Load() == s {
			m.teardown(ctx, s, ReasonUnresponsive)
		}
		m.mx.Unlock()
		// teardown is skipped when s was already replaced
		s.shutdown(ReasonUnresponsive)
		return fmt.Errorf("%w: ping unanswered within %s", model.ErrEngineTimeout, timeout)
	}
	s.release()
	return err
}

func outcome(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, model.ErrCommandRejected):
		return OutcomeRejected
	case errors.Is(err, model.ErrEngineTimeout):
		return OutcomeTimeout
	case errors.Is(err, model.ErrEngineCrashed):
		return OutcomeCrashed
	default:
		return OutcomeError
	}
}
