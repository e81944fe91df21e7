package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/config"
	"github.com/zulandar/cinechat/internal/playback"
)

func newPlaybackCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "playback",
		Short: "Run the playback service on the display device",
		Long: "Owns the display: keeps the idle loop running and plays one clip at a time " +
			"on POST /play, returning to the idle loop when the clip ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayback(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides playback.port)")
	return cmd
}

func runPlayback(cmd *cobra.Command, configPath string, port int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Playback.Port = port
	}
	setupLogging(cfg, "cinechat-playback", cmd.ErrOrStderr())

	ctrl := playback.NewController(controllerOptions(cfg, cmd))

	ctx, cancel := signalContext(cmd, true)
	defer cancel()
	return playback.Serve(ctx, playback.ServiceOpts{
		Controller: ctrl,
		VideoDir:   cfg.Playback.VideoDir,
		Port:       cfg.Playback.Port,
		Out:        cmd.OutOrStdout(),
	})
}

func controllerOptions(cfg *config.Config, cmd *cobra.Command) playback.ControllerOptions {
	idle := cfg.Playback.IdleClip
	if idle != "" && !filepath.IsAbs(idle) && cfg.Playback.VideoDir != "" {
		idle = filepath.Join(cfg.Playback.VideoDir, idle)
	}
	return playback.ControllerOptions{
		Launcher: playback.ExecLauncher{
			Player: playback.PlayerConfig{
				Player:      cfg.Playback.Player,
				Binary:      cfg.Playback.Binary,
				Fullscreen:  cfg.Playback.Fullscreen,
				AudioDevice: cfg.Playback.AudioDevice,
				ExtraArgs:   cfg.Playback.ExtraArgs,
			},
			Output: cmd.ErrOrStderr(),
		},
		IdleClip:     idle,
		Grace:        cfg.Playback.StopGrace.Std(),
		KillTimeout:  cfg.Supervisor.KillTimeout.Std(),
		IdleRestarts: cfg.Playback.IdleRestarts,
		IdleBackoff:  cfg.Playback.IdleBackoff.Std(),
	}
}
