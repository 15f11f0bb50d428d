// Package engine supervises the GAP child process. It knows nothing about
// framing or sessions: it spawns, reports liveness and terminates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command describes how to start the engine.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the environment of gapd
	Dir  string
}

// Process is a running engine. Its pipes are created with os.Pipe and owned
// by the parent, so exec.Cmd.Wait never closes them under a reader.
type Process struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	stderr  *os.File
	started time.Time

	done    chan struct{}
	exitErr error // valid after done is closed

	stopOnce sync.Once
}

// Spawn starts the engine described by proto. A monitor goroutine waits for
// the process and closes Done when it exits.
func Spawn(ctx context.Context, proto Command) (*Process, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Dir = proto.Dir
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, err
	}
	// the child has its own copies now
	closeAll(inR, outW, errW)

	p := &Process{
		cmd:     cmd,
		stdin:   inW,
		stdout:  outR,
		stderr:  errR,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	slog.DebugContext(ctx, "engine spawned", "path", proto.Path, "args", proto.Args, "pid", p.Pid())
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *Process) Stdin() io.Writer  { return p.stdin }
func (p *Process) Stdout() io.Reader { return p.stdout }
func (p *Process) Stderr() io.Reader { return p.stderr }

// SetWriteDeadline bounds writes to stdin; the zero time removes the bound.
func (p *Process) SetWriteDeadline(t time.Time) error {
	return p.stdin.SetWriteDeadline(t)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Started() time.Time {
	return p.started
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running. It never blocks.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the result of exec.Cmd.Wait, or nil while running.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop closes stdin, asks the engine to terminate and kills it once grace
// has elapsed. It returns after the process is gone and all parent pipe ends
// are closed, which unblocks any reader. Calling Stop again is a no-op.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if p.Alive() {
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				// SIGTERM is not deliverable everywhere
				_ = p.cmd.Process.Kill()
			}
			timer := time.NewTimer(grace)
			select {
			case <-p.done:
			case <-timer.C:
				_ = p.cmd.Process.Kill()
				<-p.done
			}
			timer.Stop()
		}
		closeAll(p.stdout, p.stderr)
	})
}

// Kill terminates the process immediately without closing pipes; readers see
// EOF once the kernel reaps it. Used to simulate and handle crashes.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
