package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func spawn(t *testing.T, name string, args ...string) Process {
	t.Helper()
	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{Name: name, Args: args})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Terminate(p, 100*time.Millisecond, time.Second) })
	return p
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "child never signalled readiness")
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), Spec{Name: "/nonexistent/cinechat-bot"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/cinechat-bot", spawnErr.Name)
}

func TestSpawn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ExecSpawner{}.Spawn(ctx, Spec{Name: "true"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpawn_StartsInOwnGroup(t *testing.T) {
	p := spawn(t, "sleep", "30")
	pgid, err := syscall.Getpgid(p.PID())
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pgid)
	assert.True(t, p.Alive())
}

func TestTerminate_GracefulExit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, Terminate(p, 5*time.Second, time.Second))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, p.Alive())

	var exitErr *exec.ExitError
	require.ErrorAs(t, p.ExitErr(), &exitErr)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ready := filepath.Join(t.TempDir(), "ready")
	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", `trap "" TERM; touch "$0"; sleep 30`, ready},
	})
	require.NoError(t, err)
	waitForFile(t, ready)

	start := time.Now()
	require.NoError(t, Terminate(p, 200*time.Millisecond, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, p.Alive())
}

func TestTerminate_KillsChildrenInGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", `sleep 30 & echo $! > "$0.tmp"; mv "$0.tmp" "$0"; wait`, pidFile},
	})
	require.NoError(t, err)
	waitForFile(t, pidFile)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	childPID := strings.TrimSpace(string(raw))
	require.NotEmpty(t, childPID)

	require.NoError(t, Terminate(p, 2*time.Second, time.Second))

	pid, err := strconv.Atoi(childPID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return exitedOrZombie(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestTerminate_AlreadyExited(t *testing.T) {
	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{Name: "true"})
	require.NoError(t, err)
	<-p.Done()

	assert.NoError(t, Terminate(p, time.Second, time.Second))
	assert.NoError(t, Terminate(p, time.Second, time.Second), "second terminate is a no-op")
}

// unsignalable refuses every signal and never exits.
type unsignalable struct {
	mu      sync.Mutex
	signals []syscall.Signal
}

func (u *unsignalable) PID() int { return 4242 }

func (u *unsignalable) Signal(sig syscall.Signal) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.signals = append(u.signals, sig)
	return syscall.EPERM
}

func (u *unsignalable) Done() <-chan struct{} { return nil }
func (u *unsignalable) Alive() bool           { return true }
func (u *unsignalable) ExitErr() error        { return nil }

func TestTerminate_SignalRefused(t *testing.T) {
	p := &unsignalable{}

	err := Terminate(p, 20*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrKillFailed)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, p.signals)
}

func TestTerminate_Nil(t *testing.T) {
	assert.NoError(t, Terminate(nil, time.Second, time.Second))
}

func TestTerminate_AdoptedProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	p := Adopt(cmd.Process.Pid)
	assert.Nil(t, p.Done())
	assert.True(t, p.Alive())

	// The adopted pid is reaped by the goroutine above, so Alive flips once
	// the zombie is collected.
	require.NoError(t, Terminate(p, 2*time.Second, time.Second))
	<-waited
	assert.False(t, p.Alive())
}

func TestAdopt_UnknownPID(t *testing.T) {
	p := Adopt(0)
	assert.False(t, p.Alive())
	assert.NoError(t, Terminate(p, time.Second, time.Second))
}

func TestRemoteKillScript_RunsLocally(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()

	script := RemoteKillScript(cmd.Process.Pid, time.Second)
	out, err := exec.Command("sh", "-c", script).CombinedOutput()
	require.NoError(t, err, string(out))

	p := Adopt(cmd.Process.Pid)
	assert.Eventually(t, func() bool { return !p.Alive() }, 2*time.Second, 20*time.Millisecond)
}

func TestRemoteKillScript_GoneIsSuccess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	script := RemoteKillScript(cmd.Process.Pid, time.Second)
	out, err := exec.Command("sh", "-c", script).CombinedOutput()
	assert.NoError(t, err, string(out))
}

func TestRemoteKillScript_MinimumGrace(t *testing.T) {
	assert.Contains(t, RemoteKillScript(7, 0), "-lt 1")
	assert.Contains(t, RemoteKillScript(7, 3*time.Second), "-lt 3")
	assert.Contains(t, RemoteKillScript(7, 0), "p=7;")
}

func TestNewSSHTerminator_MissingKey(t *testing.T) {
	_, err := NewSSHTerminator(SSHConfig{KeyPath: filepath.Join(t.TempDir(), "id_none")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read ssh key")
}

func TestNewSSHTerminator_BadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_bad")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := NewSSHTerminator(SSHConfig{KeyPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse ssh key")
}

// exitedOrZombie reports whether pid is gone or only waiting to be reaped by
// whichever process inherited it.
func exitedOrZombie(pid int) bool {
	if !Adopt(pid).Alive() {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}
