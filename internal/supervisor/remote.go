package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
)

// RemoteTerminator stops a process running on another host.
// A process that no longer exists counts as success.
type RemoteTerminator interface {
	TerminateRemote(ctx context.Context, host string, pid int) error
}

// SSHConfig configures SSHTerminator.
type SSHConfig struct {
	User           string
	Port           int
	KeyPath        string
	KnownHostsPath string // empty disables host key checking
	Timeout        time.Duration
	Grace          time.Duration
}

// SSHTerminator kills remote processes by running a shell snippet over SSH.
type SSHTerminator struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
}

// NewSSHTerminator loads the private key and host key database.
func NewSSHTerminator(cfg SSHConfig) (*SSHTerminator, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("supervisor: parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: load known_hosts: %w", err)
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &SSHTerminator{
		cfg: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

// TerminateRemote runs the kill script for pid on host.
func (t *SSHTerminator) TerminateRemote(ctx context.Context, host string, pid int) error {
	logger := log.WithComponent("supervisor")
	addr := net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))

	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.RemoteTerminateTotal.WithLabelValues("dial_error").Inc()
		return fmt.Errorf("supervisor: dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, t.clientCfg)
	if err != nil {
		conn.Close()
		metrics.RemoteTerminateTotal.WithLabelValues("handshake_error").Inc()
		return fmt.Errorf("supervisor: ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		metrics.RemoteTerminateTotal.WithLabelValues("session_error").Inc()
		return fmt.Errorf("supervisor: ssh session %s: %w", addr, err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	script := RemoteKillScript(pid, t.cfg.Grace)
	out, err := session.CombinedOutput(script)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			metrics.RemoteTerminateTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("supervisor: remote kill %d on %s exited %d: %s",
				pid, host, exitErr.ExitStatus(), out)
		}
		metrics.RemoteTerminateTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("supervisor: remote kill %d on %s: %w", pid, host, err)
	}

	metrics.RemoteTerminateTotal.WithLabelValues("ok").Inc()
	logger.Info().Str(log.FieldHost, host).Int(log.FieldPID, pid).Msg("remote process terminated")
	return nil
}

// RemoteKillScript returns a POSIX shell snippet that terminates pid with a
// SIGTERM, grace, SIGKILL escalation and exits 0 when pid is already gone.
func RemoteKillScript(pid int, grace time.Duration) string {
	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(
		`p=%d; kill -0 $p 2>/dev/null || exit 0; kill -TERM $p 2>/dev/null; `+
			`i=0; while [ $i -lt %d ]; do kill -0 $p 2>/dev/null || exit 0; sleep 1; i=$((i+1)); done; `+
			`kill -KILL $p 2>/dev/null; sleep 1; kill -0 $p 2>/dev/null && exit 1; exit 0`,
		pid, secs)
}
