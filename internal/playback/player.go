// Package playback keeps exactly one media player process on the display,
// falling back to an idle loop whenever no content clip is running.
package playback

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/zulandar/cinechat/internal/supervisor"
)

// Clip identifies a segment of a video file. End zero plays to the end.
type Clip struct {
	File  string  `json:"file"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Mode is the controller's playback mode.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePlaying Mode = "playing"
	ModeStopped Mode = "stopped"
)

// Supported players.
const (
	PlayerMPV    = "mpv"
	PlayerVLC    = "cvlc"
	PlayerFFPlay = "ffplay"
)

// PlayerConfig selects and tunes the media player binary.
type PlayerConfig struct {
	Player      string // mpv, cvlc or ffplay
	Binary      string // defaults to Player
	Fullscreen  bool
	AudioDevice string
	ExtraArgs   []string
}

// Command returns the player invocation for clip. Loop repeats the clip
// indefinitely, which is how the idle clip is played.
func (p PlayerConfig) Command(clip Clip, loop bool) (string, []string, error) {
	if clip.File == "" {
		return "", nil, fmt.Errorf("playback: clip has no file")
	}
	if clip.End != 0 && clip.End <= clip.Start {
		return "", nil, fmt.Errorf("playback: end %.2f is not after start %.2f", clip.End, clip.Start)
	}
	name := p.Binary
	if name == "" {
		name = p.Player
	}

	var args []string
	switch p.Player {
	case PlayerMPV, "":
		if name == "" {
			name = PlayerMPV
		}
		args = []string{"--no-terminal", "--no-osc", "--no-osd-bar", "--force-seekable=yes"}
		if clip.Start > 0 {
			args = append(args, "--start="+seconds(clip.Start))
		}
		if clip.End > 0 {
			args = append(args, "--end="+seconds(clip.End))
		}
		if p.Fullscreen {
			args = append(args, "--fullscreen")
		}
		if loop {
			args = append(args, "--loop=inf")
		}
		if p.AudioDevice != "" {
			args = append(args, "--audio-device="+p.AudioDevice)
		}
	case PlayerVLC:
		args = []string{"--intf", "dummy", "--no-video-title-show"}
		if clip.Start > 0 {
			args = append(args, "--start-time="+seconds(clip.Start))
		}
		if clip.End > 0 {
			args = append(args, "--stop-time="+seconds(clip.End))
		}
		if p.Fullscreen {
			args = append(args, "--fullscreen")
		}
		if loop {
			args = append(args, "--loop")
		} else {
			args = append(args, "--play-and-exit")
		}
		if p.AudioDevice != "" {
			args = append(args, "--alsa-audio-device="+p.AudioDevice)
		}
	case PlayerFFPlay:
		args = []string{"-hide_banner", "-loglevel", "error"}
		if clip.Start > 0 {
			args = append(args, "-ss", seconds(clip.Start))
		}
		if clip.End > 0 {
			args = append(args, "-t", seconds(clip.End-clip.Start))
		}
		if p.Fullscreen {
			args = append(args, "-fs")
		}
		if loop {
			args = append(args, "-loop", "0")
		} else {
			args = append(args, "-autoexit")
		}
	default:
		return "", nil, fmt.Errorf("playback: unknown player %q", p.Player)
	}
	args = append(args, p.ExtraArgs...)
	args = append(args, clip.File)
	return name, args, nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Launcher starts a player process for a clip.
type Launcher interface {
	Launch(ctx context.Context, clip Clip, loop bool) (supervisor.Process, error)
}

// ExecLauncher launches the configured player through the supervisor.
type ExecLauncher struct {
	Player  PlayerConfig
	Spawner supervisor.Spawner
	Output  io.Writer // player stdout and stderr; discarded when nil
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(ctx context.Context, clip Clip, loop bool) (supervisor.Process, error) {
	name, args, err := l.Player.Command(clip, loop)
	if err != nil {
		return nil, err
	}
	sp := l.Spawner
	if sp == nil {
		sp = supervisor.ExecSpawner{}
	}
	return sp.Spawn(ctx, supervisor.Spec{Name: name, Args: args, Stdout: l.Output, Stderr: l.Output})
}
