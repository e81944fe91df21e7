package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
	"github.com/zulandar/cinechat/internal/supervisor"
)

// ErrPlaybackStart is returned when a content clip could not be launched.
// The idle loop has been restarted when it is returned.
var ErrPlaybackStart = errors.New("playback: failed to start clip")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("playback: controller closed")

// Status is a snapshot of the controller.
type Status struct {
	Mode    Mode  `json:"mode"`
	Clip    *Clip `json:"clip,omitempty"`
	PID     int   `json:"pid,omitempty"`
	Playing bool  `json:"playing"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Launcher    Launcher
	IdleClip    string        // no idle loop when empty
	Grace       time.Duration // default 1s
	KillTimeout time.Duration // default 2s

	// IdleRestarts bounds consecutive restarts of an idle loop that keeps
	// exiting. Default 5; negative disables restarts. The count resets on
	// Start, Play, Stop, or once an idle loop has run for idleStable.
	IdleRestarts int
	// IdleBackoff is the delay before the first restart, doubled per
	// attempt up to maxIdleBackoff. Default 500ms.
	IdleBackoff time.Duration
}

const (
	maxIdleBackoff = 30 * time.Second
	idleStable     = time.Minute
)

// slot is the single active player process. A slot is never reused; the
// monitor compares slot identity to detect that it was superseded.
type slot struct {
	id      uint64
	proc    supervisor.Process
	mode    Mode
	clip    Clip
	started time.Time
}

// Controller owns the single active player process. All mutation goes
// through Play, Stop, Start and Close.
type Controller struct {
	opts   ControllerOptions
	logger zerolog.Logger

	mu           sync.Mutex
	cur          *slot
	nextID       uint64
	closed       bool
	idleRestarts int

	closing  chan struct{}
	monitors sync.WaitGroup
}

// NewController returns a stopped controller. Call Start to bring up the
// idle loop.
func NewController(opts ControllerOptions) *Controller {
	if opts.Grace == 0 {
		opts.Grace = time.Second
	}
	if opts.KillTimeout == 0 {
		opts.KillTimeout = 2 * time.Second
	}
	if opts.IdleRestarts == 0 {
		opts.IdleRestarts = 5
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 500 * time.Millisecond
	}
	metrics.SetPlaybackMode(string(ModeStopped))
	return &Controller{opts: opts, logger: log.WithComponent("playback"), closing: make(chan struct{})}
}

// Start launches the idle loop if nothing is playing.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cur != nil {
		return nil
	}
	c.idleRestarts = 0
	return c.startIdleLocked(ctx)
}

// Play stops whatever is running and starts clip, returning the player pid.
// On launch failure the idle loop is restarted and ErrPlaybackStart is
// returned.
func (c *Controller) Play(ctx context.Context, clip Clip) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	c.stopLocked()
	c.idleRestarts = 0
	proc, err := c.opts.Launcher.Launch(ctx, clip, false)
	if err != nil {
		metrics.PlaybackStartsTotal.WithLabelValues(string(ModePlaying), "error").Inc()
		c.logger.Error().Err(err).Str(log.FieldClip, clip.File).Msg("clip launch failed")
		if idleErr := c.startIdleLocked(ctx); idleErr != nil {
			c.logger.Error().Err(idleErr).Msg("idle restart failed")
		}
		return 0, fmt.Errorf("%w: %v", ErrPlaybackStart, err)
	}
	metrics.PlaybackStartsTotal.WithLabelValues(string(ModePlaying), "ok").Inc()
	s := c.installLocked(proc, ModePlaying, clip)
	c.logger.Info().Str(log.FieldClip, clip.File).Float64("start", clip.Start).Float64("end", clip.End).
		Int(log.FieldPID, proc.PID()).Msg("playing clip")
	return s.proc.PID(), nil
}

// Stop ends any active playback and returns to the idle loop. Calling it
// while idle restarts nothing.
func (c *Controller) Stop(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.statusLocked(), ErrClosed
	}
	if c.cur != nil && c.cur.mode == ModeIdle && c.cur.proc.Alive() {
		return c.statusLocked(), nil
	}
	c.stopLocked()
	c.idleRestarts = 0
	err := c.startIdleLocked(ctx)
	return c.statusLocked(), err
}

// Status returns the current mode and clip.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Close stops all playback and waits for monitors to exit. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closing)
		c.stopLocked()
	}
	c.mu.Unlock()
	c.monitors.Wait()
}

func (c *Controller) statusLocked() Status {
	if c.cur == nil {
		return Status{Mode: ModeStopped}
	}
	clip := c.cur.clip
	return Status{Mode: c.cur.mode, Clip: &clip, PID: c.cur.proc.PID(), Playing: c.cur.proc.Alive()}
}

func (c *Controller) stopLocked() {
	s := c.cur
	if s == nil {
		return
	}
	c.cur = nil
	if err := supervisor.Terminate(s.proc, c.opts.Grace, c.opts.KillTimeout); err != nil {
		c.logger.Error().Err(err).Int(log.FieldPID, s.proc.PID()).Msg("player did not stop")
	}
	metrics.SetPlaybackMode(string(ModeStopped))
}

func (c *Controller) startIdleLocked(ctx context.Context) error {
	if c.opts.IdleClip == "" {
		return nil
	}
	clip := Clip{File: c.opts.IdleClip}
	proc, err := c.opts.Launcher.Launch(ctx, clip, true)
	if err != nil {
		metrics.PlaybackStartsTotal.WithLabelValues(string(ModeIdle), "error").Inc()
		return fmt.Errorf("playback: start idle loop: %w", err)
	}
	metrics.PlaybackStartsTotal.WithLabelValues(string(ModeIdle), "ok").Inc()
	c.installLocked(proc, ModeIdle, clip)
	c.logger.Debug().Int(log.FieldPID, proc.PID()).Msg("idle loop started")
	return nil
}

func (c *Controller) installLocked(proc supervisor.Process, mode Mode, clip Clip) *slot {
	c.nextID++
	s := &slot{id: c.nextID, proc: proc, mode: mode, clip: clip, started: time.Now()}
	c.cur = s
	metrics.SetPlaybackMode(string(mode))
	c.monitors.Add(1)
	go c.monitor(s)
	return s
}

// monitor waits for s to exit. A content clip that is still current hands
// the display back to the idle loop; an idle loop that exits is restarted
// with backoff up to IdleRestarts times.
func (c *Controller) monitor(s *slot) {
	defer c.monitors.Done()
	waitExit(s.proc)

	c.mu.Lock()
	if c.cur != s || c.closed {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	metrics.SetPlaybackMode(string(ModeStopped))
	if s.mode == ModePlaying {
		c.logger.Info().Str(log.FieldClip, s.clip.File).Msg("clip finished")
		if err := c.startIdleLocked(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("idle restart failed")
		}
		c.mu.Unlock()
		return
	}
	if time.Since(s.started) >= idleStable {
		c.idleRestarts = 0
	}
	c.mu.Unlock()

	c.logger.Warn().Int(log.FieldPID, s.proc.PID()).Msg("idle loop exited")
	c.restartIdle()
}

// restartIdle relaunches the idle loop after a backoff unless something
// else took the display in the meantime.
func (c *Controller) restartIdle() {
	for {
		c.mu.Lock()
		if c.opts.IdleRestarts < 0 || c.idleRestarts >= c.opts.IdleRestarts {
			n := c.idleRestarts
			c.mu.Unlock()
			c.logger.Error().Int("restarts", n).Msg("idle loop keeps exiting, waiting for the next play or stop")
			return
		}
		c.idleRestarts++
		attempt := c.idleRestarts
		gen := c.nextID
		c.mu.Unlock()

		delay := idleBackoff(c.opts.IdleBackoff, attempt)
		c.logger.Debug().Int("attempt", attempt).Dur("backoff", delay).Msg("restarting idle loop")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.closing:
			t.Stop()
			return
		}

		c.mu.Lock()
		if c.closed || c.cur != nil || c.nextID != gen {
			c.mu.Unlock()
			return
		}
		err := c.startIdleLocked(context.Background())
		c.mu.Unlock()
		if err == nil {
			return
		}
		c.logger.Error().Err(err).Int("attempt", attempt).Msg("idle restart failed")
	}
}

func idleBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxIdleBackoff; i++ {
		d *= 2
	}
	if d > maxIdleBackoff {
		d = maxIdleBackoff
	}
	return d
}

func waitExit(p supervisor.Process) {
	if done := p.Done(); done != nil {
		<-done
		return
	}
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for p.Alive() {
		<-t.C
	}
}
