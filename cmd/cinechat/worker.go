package main

import (
	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/playback"
	"github.com/zulandar/cinechat/internal/search"
	"github.com/zulandar/cinechat/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the stdio tool worker",
		Long: "Serves search_video_clips, play_video_by_params, stop_video and get_api_stats " +
			"as JSON-RPC 2.0 over stdin/stdout. Started by the bot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg, "cinechat-worker", cmd.ErrOrStderr())

	tb := worker.NewToolbox(worker.ToolboxConfig{
		Search:       search.NewClient(cfg.Search.APIURL, cfg.Search.APIKey, cfg.Search.Timeout.Std()),
		Playback:     playback.NewClient(cfg.Playback.ServiceURL, cfg.Playback.Fullscreen),
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
	})

	ctx, cancel := signalContext(cmd, false)
	defer cancel()
	return worker.NewServer("cinechat-worker", Version, tb).Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}
