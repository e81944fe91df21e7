package toolrpc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/supervisor"
)

// WorkerConfig describes the worker process to launch.
type WorkerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	StartupTimeout time.Duration // default 10s
	Grace          time.Duration // default 2s
	KillTimeout    time.Duration // default 2s

	Options
}

// Start launches the worker in its own process group, connects to its stdio
// and completes the initialize handshake. Any failure is wrapped in
// ErrWorkerStart and leaves no process behind.
func Start(ctx context.Context, cfg WorkerConfig) (*Client, error) {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.Grace == 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.KillTimeout == 0 {
		cfg.KillTimeout = 2 * time.Second
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrWorkerStart, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrWorkerStart, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrWorkerStart, err)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	proc, err := supervisor.ExecSpawner{}.Spawn(ctx, supervisor.Spec{
		Name:   cfg.Command,
		Args:   cfg.Args,
		Dir:    cfg.Dir,
		Env:    env,
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: stderrW,
	})
	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerStart, err)
	}

	logger := log.WithComponent("toolrpc")
	logger.Info().Str("command", cfg.Command).Strs("args", cfg.Args).Int(log.FieldPID, proc.PID()).Msg("worker started")
	go forwardStderr(stderrR, proc.PID())

	c := Dial(stdoutR, stdinW, cfg.Options, stdinW)
	c.onStop = func() {
		if err := supervisor.Terminate(proc, cfg.Grace, cfg.KillTimeout); err != nil {
			logger.Warn().Err(err).Int(log.FieldPID, proc.PID()).Msg("worker termination")
		}
		stdoutR.Close()
	}

	if _, err := c.Initialize(ctx, cfg.StartupTimeout); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// forwardStderr logs the worker's stderr at debug level until it closes.
func forwardStderr(f *os.File, pid int) {
	defer f.Close()
	logger := log.WithComponent("worker-stderr")
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Debug().Int(log.FieldPID, pid).Msg(sc.Text())
	}
}
