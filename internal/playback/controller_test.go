package playback

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zulandar/cinechat/internal/supervisor"
)

type fakeProcess struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(syscall.Signal) error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) ExitErr() error { return nil }

type launch struct {
	clip Clip
	loop bool
	proc *fakeProcess
}

// fakeLauncher records launches and the number of live players at each one.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []launch
	failFile string
	maxLive  int
}

func (l *fakeLauncher) Launch(_ context.Context, clip Clip, loop bool) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clip.File == l.failFile {
		return nil, errors.New("no such player")
	}
	live := 1
	for _, x := range l.launches {
		if x.proc.Alive() {
			live++
		}
	}
	if live > l.maxLive {
		l.maxLive = live
	}
	p := &fakeProcess{pid: 100 + len(l.launches), done: make(chan struct{})}
	l.launches = append(l.launches, launch{clip: clip, loop: loop, proc: p})
	return p, nil
}

func (l *fakeLauncher) all() []launch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launch(nil), l.launches...)
}

func (l *fakeLauncher) last() launch {
	all := l.all()
	return all[len(all)-1]
}

func newTestController(l *fakeLauncher) *Controller {
	return NewController(ControllerOptions{
		Launcher:    l,
		IdleClip:    "idle.mp4",
		Grace:       50 * time.Millisecond,
		KillTimeout: 50 * time.Millisecond,
	})
}

func TestStartLaunchesIdleLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	got := l.all()
	require.Len(t, got, 1)
	assert.Equal(t, "idle.mp4", got[0].clip.File)
	assert.True(t, got[0].loop)
	assert.Equal(t, ModeIdle, c.Status().Mode)

	// A second Start is a no-op.
	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, l.all(), 1)
}

func TestPlayStopsIdleFirst(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	idle := l.last().proc

	pid, err := c.Play(context.Background(), Clip{File: "a.mp4", Start: 1, End: 4})
	require.NoError(t, err)
	assert.False(t, idle.Alive())
	assert.Equal(t, l.last().proc.PID(), pid)

	st := c.Status()
	assert.Equal(t, ModePlaying, st.Mode)
	require.NotNil(t, st.Clip)
	assert.Equal(t, "a.mp4", st.Clip.File)
	assert.False(t, l.last().loop)
}

func TestClipExitRestartsIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()

	_, err := c.Play(context.Background(), Clip{File: "a.mp4", Start: 0, End: 2})
	require.NoError(t, err)
	l.last().proc.exit()

	require.Eventually(t, func() bool { return c.Status().Mode == ModeIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "idle.mp4", l.last().clip.File)
}

func TestStaleMonitorDoesNotRestartIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()

	_, err := c.Play(context.Background(), Clip{File: "a.mp4", End: 5})
	require.NoError(t, err)
	a := l.last().proc
	_, err = c.Play(context.Background(), Clip{File: "b.mp4", End: 5})
	require.NoError(t, err)
	b := l.last().proc

	// A was stopped by the second Play; its monitor must stand down.
	assert.False(t, a.Alive())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, l.all(), 2)
	assert.Equal(t, ModePlaying, c.Status().Mode)
	assert.Equal(t, "b.mp4", c.Status().Clip.File)

	b.exit()
	require.Eventually(t, func() bool { return c.Status().Mode == ModeIdle }, time.Second, 5*time.Millisecond)
	got := l.all()
	require.Len(t, got, 3)
	assert.Equal(t, "idle.mp4", got[2].clip.File)
}

func idleLaunches(l *fakeLauncher) int {
	n := 0
	for _, x := range l.all() {
		if x.loop {
			n++
		}
	}
	return n
}

func TestIdleExitRestartsWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := NewController(ControllerOptions{
		Launcher:     l,
		IdleClip:     "idle.mp4",
		Grace:        50 * time.Millisecond,
		KillTimeout:  50 * time.Millisecond,
		IdleRestarts: 2,
		IdleBackoff:  10 * time.Millisecond,
	})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	for want := 2; want <= 3; want++ {
		l.last().proc.exit()
		require.Eventually(t, func() bool { return idleLaunches(l) == want && c.Status().Playing },
			time.Second, 5*time.Millisecond, "restart %d", want-1)
		assert.Equal(t, ModeIdle, c.Status().Mode)
	}

	// Restart budget spent: the display stays dark.
	l.last().proc.exit()
	require.Eventually(t, func() bool { return c.Status().Mode == ModeStopped }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, idleLaunches(l))

	// Stop resets the budget.
	st, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, st.Mode)
	l.last().proc.exit()
	require.Eventually(t, func() bool { return idleLaunches(l) == 5 }, time.Second, 5*time.Millisecond)
}

func TestIdleRestartsDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := NewController(ControllerOptions{Launcher: l, IdleClip: "idle.mp4", IdleRestarts: -1, IdleBackoff: time.Millisecond})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	l.last().proc.exit()
	require.Eventually(t, func() bool { return c.Status().Mode == ModeStopped }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, l.all(), 1)
}

func TestIdleRestartYieldsToPlay(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := NewController(ControllerOptions{Launcher: l, IdleClip: "idle.mp4", IdleBackoff: 100 * time.Millisecond})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	l.last().proc.exit()
	require.Eventually(t, func() bool { return c.Status().Mode == ModeStopped }, time.Second, 5*time.Millisecond)
	_, err := c.Play(context.Background(), Clip{File: "a.mp4", End: 3})
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, ModePlaying, c.Status().Mode)
	assert.Equal(t, 1, idleLaunches(l), "pending restart must not replace the clip")
}

func TestCloseInterruptsIdleBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := NewController(ControllerOptions{Launcher: l, IdleClip: "idle.mp4", IdleBackoff: time.Hour})
	require.NoError(t, c.Start(context.Background()))

	l.last().proc.exit()
	require.Eventually(t, func() bool { return c.Status().Mode == ModeStopped }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending idle restart")
	}
}

func TestIdleBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{4, 4 * time.Second},
		{10, maxIdleBackoff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idleBackoff(500*time.Millisecond, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPlayFailureFallsBackToIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{failFile: "broken.mp4"}
	c := newTestController(l)
	defer c.Close()

	_, err := c.Play(context.Background(), Clip{File: "a.mp4", End: 3})
	require.NoError(t, err)
	a := l.last().proc

	_, err = c.Play(context.Background(), Clip{File: "broken.mp4", End: 3})
	require.ErrorIs(t, err, ErrPlaybackStart)
	assert.False(t, a.Alive())
	assert.Equal(t, ModeIdle, c.Status().Mode)
	assert.Equal(t, "idle.mp4", l.last().clip.File)
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()

	_, err := c.Play(context.Background(), Clip{File: "a.mp4", End: 3})
	require.NoError(t, err)

	st, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, st.Mode)
	n := len(l.all())

	st, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Len(t, l.all(), n)
}

func TestCloseStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	_, err := c.Play(context.Background(), Clip{File: "a.mp4", End: 3})
	require.NoError(t, err)

	c.Close()
	c.Close()
	assert.False(t, l.last().proc.Alive())
	_, err = c.Play(context.Background(), Clip{File: "b.mp4", End: 3})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExclusivePlayback(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := &fakeLauncher{}
	c := newTestController(l)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				switch rng.Intn(3) {
				case 0:
					_, _ = c.Play(context.Background(), Clip{File: "clip.mp4", End: 1})
				case 1:
					_, _ = c.Stop(context.Background())
				default:
					l.last().proc.exit()
				}
			}
		}(int64(w))
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.maxLive)
}
