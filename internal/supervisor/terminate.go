package supervisor

import (
	"errors"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
)

// pollInterval is how often adopted processes are checked for exit.
const pollInterval = 50 * time.Millisecond

// Terminate stops p: SIGTERM, wait up to grace, then SIGKILL and wait up to
// killTimeout. A process that is already gone counts as success.
func Terminate(p Process, grace, killTimeout time.Duration) error {
	if p == nil || !p.Alive() {
		return nil
	}
	logger := log.WithComponent("supervisor")
	pid := p.PID()

	logger.Debug().Int(log.FieldPID, pid).Msg("sending SIGTERM")
	if gone := signal(p, syscall.SIGTERM, logger); gone {
		return nil
	}
	if waitExit(p, grace) {
		return nil
	}

	logger.Warn().Int(log.FieldPID, pid).Dur("grace", grace).Msg("grace period exceeded, sending SIGKILL")
	if gone := signal(p, syscall.SIGKILL, logger); gone {
		return nil
	}
	if waitExit(p, killTimeout) {
		return nil
	}
	logger.Error().Int(log.FieldPID, pid).Msg("process survived SIGKILL")
	return ErrKillFailed
}

// signal sends sig and reports whether the process was already gone.
func signal(p Process, sig syscall.Signal, logger zerolog.Logger) bool {
	name := "SIGTERM"
	if sig == syscall.SIGKILL {
		name = "SIGKILL"
	}
	err := p.Signal(sig)
	switch {
	case err == nil:
		metrics.ProcTerminateTotal.WithLabelValues(name, "sent").Inc()
		return false
	case errors.Is(err, syscall.ESRCH):
		metrics.ProcTerminateTotal.WithLabelValues(name, "esrch").Inc()
		return true
	default:
		metrics.ProcTerminateTotal.WithLabelValues(name, "error").Inc()
		logger.Warn().Err(err).Int(log.FieldPID, p.PID()).
			Str("signal", name).Msg("signal failed")
		return false
	}
}

// waitExit waits up to d for p to exit and reports whether it did.
func waitExit(p Process, d time.Duration) bool {
	if ch := p.Done(); ch != nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ch:
			return true
		case <-timer.C:
			return false
		}
	}
	deadline := time.Now().Add(d)
	for {
		if !p.Alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
