package bot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/dialogue"
	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/toolrpc"
)

// Config configures a bot run.
type Config struct {
	RoomID        string
	ParticipantID string

	Worker       toolrpc.WorkerConfig
	Status       dialogue.StatusSink
	Player       dialogue.Player
	DefaultLimit int

	In  io.Reader
	Out io.Writer

	// ExitOnEOF ends the run when In is exhausted. Otherwise the bot keeps
	// its worker and session alive until ctx is cancelled or the worker
	// exits; a bot spawned by the session server has no stdin and is
	// stopped by signal.
	ExitOnEOF bool
}

// Run starts the tool worker and serves the event stream until ctx is
// cancelled or the worker exits, or the input ends when cfg.ExitOnEOF is
// set. The worker is always stopped before Run returns.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithComponent("bot").With().
		Str(log.FieldRoomID, cfg.RoomID).
		Str(log.FieldParticipantID, cfg.ParticipantID).
		Logger()

	client, err := toolrpc.Start(ctx, cfg.Worker)
	if err != nil {
		return err
	}
	defer client.Stop()

	out := NewEmitter(cfg.Out)
	ctrl := dialogue.New(dialogue.Config{
		ParticipantID: cfg.ParticipantID,
		Tools:         client,
		Status:        cfg.Status,
		Injector:      out,
		Player:        cfg.Player,
		DefaultLimit:  cfg.DefaultLimit,
	})
	if err := out.Emit(Message{Type: TypeReady, RoomID: cfg.RoomID, ParticipantID: cfg.ParticipantID}); err != nil {
		return err
	}
	logger.Info().Msg("bot ready")

	err = Serve(ctx, ctrl, cfg.In, out, client.Done())
	if err == nil && !cfg.ExitOnEOF {
		logger.Info().Msg("input closed, waiting for shutdown")
		err = hold(ctx, client.Done())
	}
	switch {
	case err == nil:
		logger.Info().Msg("input closed")
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("bot stopping")
		return nil
	default:
		logger.Error().Err(err).Msg("bot stopped")
	}
	return err
}

// Serve feeds events from in to ctrl one at a time and writes replies to out.
// It returns nil when in is exhausted, toolrpc.ErrWorkerExited when
// workerDone closes, or ctx's error. A nil workerDone is never ready.
func Serve(ctx context.Context, ctrl *dialogue.Controller, in io.Reader, out *Emitter, workerDone <-chan struct{}) error {
	logger := log.WithComponent("bot")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-workerDone:
			return toolrpc.ErrWorkerExited
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("bot: read events: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if err := handleLine(ctx, ctrl, out, line, logger); err != nil {
				return err
			}
		}
	}
}

// hold blocks until ctx is done or the worker exits.
func hold(ctx context.Context, workerDone <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-workerDone:
		return toolrpc.ErrWorkerExited
	}
}

func handleLine(ctx context.Context, ctrl *dialogue.Controller, out *Emitter, line []byte, logger zerolog.Logger) error {
	ev, err := dialogue.ParseEvent(line)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping malformed event")
		return nil
	}
	logger.Debug().Str(log.FieldEvent, ev.Kind()).Msg("event")
	if reply := ctrl.Handle(ctx, ev); reply != nil {
		return out.Reply(reply)
	}
	return nil
}
