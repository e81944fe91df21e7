// Package supervisor spawns child processes in their own process group and
// terminates them with a SIGTERM, grace, SIGKILL escalation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// ErrKillFailed is returned when a process survives SIGKILL past the kill
// timeout.
var ErrKillFailed = errors.New("supervisor: process did not exit after SIGKILL")

// SpawnError reports that a process could not be started.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("supervisor: spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process is a running (or finished) OS process the supervisor can signal.
type Process interface {
	PID() int
	// Signal delivers sig to the process, or to its whole group when it was
	// spawned by the supervisor.
	Signal(sig syscall.Signal) error
	// Done is closed when the process has exited. It is nil for adopted
	// processes, which are polled instead.
	Done() <-chan struct{}
	Alive() bool
	// ExitErr is the result of Wait once Done is closed.
	ExitErr() error
}

// Spec describes a process to spawn.
type Spec struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the inherited environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner starts real OS processes, each leading a new process group.
type ExecSpawner struct{}

// Spawn starts the process. The process lifetime is not bound to ctx; ctx is
// only checked before starting.
func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Err: err}
	}
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	SetGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Err: err}
	}
	return Watch(cmd), nil
}

// SetGroup configures cmd to start in a new process group so that signals
// reach its children too.
func SetGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Watch wraps an already started command and reaps it in the background.
// The command must have been started with SetGroup.
func Watch(cmd *exec.Cmd) Process {
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return syscall.ESRCH
	default:
	}
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Adopt returns a Process for a pid the supervisor did not start, such as a
// locally running client registered after the fact. Only the pid itself is
// signalled, never its group.
func Adopt(pid int) Process {
	return adoptedProcess(pid)
}

type adoptedProcess int

func (p adoptedProcess) PID() int { return int(p) }

func (p adoptedProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(int(p), sig)
}

func (p adoptedProcess) Done() <-chan struct{} { return nil }

func (p adoptedProcess) Alive() bool {
	if p <= 0 {
		return false
	}
	err := syscall.Kill(int(p), 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (p adoptedProcess) ExitErr() error { return nil }
