package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gapd-project/gapd/internal/engine"
	"github.com/gapd-project/gapd/internal/model"
)

const (
	chunkSize    = 32 * 1024
	stdoutQueue  = 64
	stderrSettle = 250 * time.Millisecond
	maxLineSize  = 1024 * 1024
)

var (
	// errAbandoned means the command was sent but its caller gave up.
	errAbandoned = errors.New("command abandoned")
	// errNotSent means the caller gave up before a byte reached the engine.
	errNotSent = errors.New("command not sent")
)

// Session is one generation of the engine: a process together with the
// readers and queues bound to it. Nothing of a Session is reused by the next
// generation; readers only ever see their own channels.
type Session struct {
	generation uint64
	proc       *engine.Process
	sentinel   string
	created    time.Time

	stdout     <-chan []byte
	stderr     *Ring
	stderrDone chan struct{}

	// slot serializes commands; whoever holds it owns framer and sent.
	slot   chan struct{}
	framer *Framer
	sent   uint64

	state    atomic.Int32
	lastUsed atomic.Int64
	died     atomic.Pointer[string]
	reported atomic.Bool // a caller has been told about the crash

	closing   chan struct{}
	closeOnce sync.Once
	guard     sync.Mutex // orders wg.Add of drains against shutdown
	reason    string     // set before closing is closed
	wg        sync.WaitGroup
	grace     time.Duration
}

type startOptions struct {
	command        engine.Command
	init           []string
	startupTimeout time.Duration
	stopTimeout    time.Duration
	stderrLines    int
}

// start spawns a new generation and waits until it answers the readiness
// check. On any failure the process is stopped again.
func start(ctx context.Context, generation uint64, opts startOptions) (*Session, error) {
	proc, err := engine.Spawn(ctx, opts.command)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", model.ErrEngineNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEngineStartupFailed, err)
	}

	stdout := make(chan []byte, stdoutQueue)
	s := &Session{
		generation: generation,
		proc:       proc,
		sentinel:   NewSentinel(),
		created:    time.Now().UTC(),
		stdout:     stdout,
		stderr:     NewRing(opts.stderrLines),
		stderrDone: make(chan struct{}),
		slot:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		grace:      opts.stopTimeout,
	}
	s.framer = NewFramer(s.sentinel)
	s.state.Store(int32(StateStarting))
	s.touch()

	s.wg.Add(3)
	go s.readStdout(proc.Stdout(), stdout)
	go s.drainStderr(ctx, proc.Stderr())
	go s.monitor(ctx)

	readyCtx, cancel := context.WithTimeout(ctx, opts.startupTimeout)
	defer cancel()
	s.slot <- struct{}{}
	_, _, err = s.exchange(readyCtx, strings.Join(opts.init, "\n"))
	if err != nil {
		s.shutdown(ReasonStartup)
		if errors.Is(err, errAbandoned) || errors.Is(err, errNotSent) {
			err = fmt.Errorf("no readiness answer within %s", opts.startupTimeout)
		}
		if tail := s.stderr.Lines(); len(tail) > 0 {
			slog.WarnContext(ctx, "engine stderr during startup", "lines", tail)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrEngineStartupFailed, err)
	}
	s.release()
	return s, nil
}

func (s *Session) Generation() uint64 { return s.generation }
func (s *Session) Created() time.Time { return s.created }
func (s *Session) Pid() int           { return s.proc.Pid() }
func (s *Session) Age() time.Duration { return time.Since(s.created) }
func (s *Session) State() State       { return State(s.state.Load()) }

// LastUsed returns when the last command finished or the session started.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Stderr returns the buffered diagnostics of this generation.
func (s *Session) Stderr() []string {
	return s.stderr.Lines()
}

// Alive reports whether the session can still serve commands.
func (s *Session) Alive() bool {
	switch s.State() {
	case StateCrashed, StateResetting:
		return false
	}
	return s.proc.Alive()
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// crashed marks the generation dead; the next Manager.Get replaces it.
func (s *Session) crashed(reason string) {
	for {
		old := s.state.Load()
		if State(old) == StateCrashed || State(old) == StateResetting {
			return
		}
		if s.state.CompareAndSwap(old, int32(StateCrashed)) {
			s.died.Store(&reason)
			slog.Warn("engine session crashed", "generation", s.generation, "reason", reason, "exit", s.proc.ExitErr())
			return
		}
	}
}

// deathReason explains why Alive turned false.
func (s *Session) deathReason() string {
	if r := s.died.Load(); r != nil {
		return *r
	}
	return ReasonProcessExited
}

func (s *Session) crashError(reason string) error {
	s.reported.Store(true)
	return &CrashError{Generation: s.generation, Reason: reason, ExitErr: s.proc.ExitErr()}
}

func (s *Session) closedError() error {
	return s.crashError(s.reason)
}

// readStdout forwards raw chunks and closes out at end of stream. Closing out
// is the end-of-stream marker of this generation only.
func (s *Session) readStdout(r io.Reader, out chan<- []byte) {
	defer s.wg.Done()
	defer close(out)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- bytes.Clone(buf[:n]):
			case <-s.closing:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drainStderr keeps stderr flowing so the engine never blocks on a full pipe.
func (s *Session) drainStderr(ctx context.Context, r io.Reader) {
	defer s.wg.Done()
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		// output left without a newline shares the line with the sentinel
		if prefix, ok := strings.CutSuffix(line, s.sentinel); ok {
			if prefix != "" {
				s.stderr.Add(prefix)
			}
			s.stderr.Mark()
			continue
		}
		s.stderr.Add(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.DebugContext(ctx, "reading engine stderr", "generation", s.generation, "error", err)
	}
	select {
	case <-s.closing:
	default:
		s.crashed(ReasonStderrClosed)
	}
}

func (s *Session) monitor(ctx context.Context) {
	defer s.wg.Done()
	select {
	case <-s.proc.Done():
		select {
		case <-s.closing:
		default:
			slog.DebugContext(ctx, "engine exited", "generation", s.generation, "pid", s.proc.Pid())
			s.crashed(ReasonProcessExited)
		}
	case <-s.closing:
	}
}

// acquire takes the command slot. Waiting counts against ctx.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case <-s.closing:
		return s.closedError()
	default:
	}
	select {
	case s.slot <- struct{}{}:
	case <-s.closing:
		return s.closedError()
	case <-ctx.Done():
		return errNotSent
	}
	// closing may have won the race against the slot
	select {
	case <-s.closing:
		s.release()
		return s.closedError()
	default:
	}
	return nil
}

// tryAcquire takes the slot only if nobody holds it.
func (s *Session) tryAcquire() bool {
	select {
	case s.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() {
	<-s.slot
}

// execute runs one command on this generation.
func (s *Session) execute(ctx context.Context, text string) (Result, error) {
	started := time.Now()
	if err := s.acquire(ctx); err != nil {
		return Result{}, err
	}
	// select picks the slot at random even when ctx is already done
	if ctx.Err() != nil {
		s.release()
		return Result{}, errNotSent
	}
	s.state.CompareAndSwap(int32(StateReady), int32(StateBusy))

	out, diag, err := s.exchange(ctx, text)
	if errors.Is(err, errAbandoned) {
		// the slot goes with the abandoned command
		if !s.goDrain() {
			s.release()
			return Result{}, s.closedError()
		}
		return Result{}, err
	}
	s.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
	s.touch()
	s.release()
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output:      out,
		Diagnostics: diag,
		Generation:  s.generation,
		Duration:    time.Since(started),
	}, nil
}

// exchange writes text followed by the sentinel command and reads the frame.
// The caller holds the slot. errAbandoned means ctx ended first; the frame is
// then still in flight.
func (s *Session) exchange(ctx context.Context, text string) (string, []string, error) {
	n := s.sent + 1
	mark := s.stderr.Seq()

	var msg strings.Builder
	if text != "" {
		msg.WriteString(text)
		msg.WriteByte('\n')
	}
	msg.WriteString(sentinelCommand(s.sentinel))
	msg.WriteByte('\n')

	deadline, _ := ctx.Deadline() // zero clears a previous deadline
	_ = s.proc.SetWriteDeadline(deadline)
	written, err := io.WriteString(s.proc.Stdin(), msg.String())
	if err != nil {
		select {
		case <-s.closing:
			return "", nil, s.closedError()
		default:
		}
		if written == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			return "", nil, errNotSent
		}
		// a partial write leaves the engine mid statement, the generation is lost
		s.crashed(ReasonStdin)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", nil, fmt.Errorf("%w: engine is not reading its input", model.ErrEngineTimeout)
		}
		return "", nil, s.crashError(ReasonStdin)
	}
	s.sent = n

	for {
		select {
		case chunk, ok := <-s.stdout:
			if !ok {
				select {
				case <-s.closing:
					return "", nil, s.closedError()
				default:
				}
				s.crashed(ReasonEndOfStream)
				return "", nil, s.crashError(ReasonEndOfStream)
			}
			frame, done := s.framer.Feed(chunk)
			if !done {
				continue
			}
			diag, _ := s.stderr.WaitMark(ctx, n, mark, stderrSettle)
			return string(frame), diag, nil
		case <-s.closing:
			return "", nil, s.closedError()
		case <-ctx.Done():
			return "", nil, errAbandoned
		}
	}
}

// goDrain hands the slot to drainAbandoned unless the generation is already
// shutting down.
func (s *Session) goDrain() bool {
	s.guard.Lock()
	defer s.guard.Unlock()
	select {
	case <-s.closing:
		return false
	default:
	}
	s.wg.Add(1)
	go s.drainAbandoned()
	return true
}

// drainAbandoned consumes the output of a command whose caller gave up, then
// frees the slot. The next command therefore never reads stale output.
func (s *Session) drainAbandoned() {
	defer s.wg.Done()
	defer s.release()
	for {
		select {
		case chunk, ok := <-s.stdout:
			if !ok {
				s.crashed(ReasonEndOfStream)
				return
			}
			if _, done := s.framer.Feed(chunk); done {
				s.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
				s.touch()
				return
			}
		case <-s.closing:
			return
		}
	}
}

// shutdown unblocks every caller of this generation with reason and stops
// the process. It returns once all goroutines of the generation are gone.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.guard.Lock()
		s.reason = reason
		s.state.Store(int32(StateResetting))
		close(s.closing)
		s.guard.Unlock()
		s.proc.Stop(s.grace)
		s.wg.Wait()
	})
}
