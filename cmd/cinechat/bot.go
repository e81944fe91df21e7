package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/bot"
	"github.com/zulandar/cinechat/internal/config"
	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/playback"
	"github.com/zulandar/cinechat/internal/statuslog"
	"github.com/zulandar/cinechat/internal/toolrpc"
)

type botFlags struct {
	configPath    string
	room          string
	participantID string
	serverURL     string
	token         string
	data          string
	exitOnEOF     bool
}

func newBotCmd() *cobra.Command {
	var f botFlags

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the bot for one room",
		Long: "Runs one room's bot. Started by the session server. Reads model events as JSON lines on " +
			"stdin and writes tool results and injected instructions as JSON lines on stdout. " +
			"The bot keeps running after stdin closes unless --exit-on-eof or bot.exit_on_eof is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, f)
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVar(&f.room, "room", "", "room identifier (required)")
	cmd.Flags().StringVar(&f.participantID, "participant", "", "participant identifier (required)")
	cmd.Flags().StringVar(&f.serverURL, "server", "", "session server URL for status updates (default server.public_url)")
	cmd.Flags().StringVar(&f.token, "token", "", "room access token")
	cmd.Flags().StringVar(&f.data, "data", "", "base64-encoded JSON session data")
	cmd.Flags().BoolVar(&f.exitOnEOF, "exit-on-eof", false, "stop when stdin closes (default bot.exit_on_eof)")
	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("participant")
	return cmd
}

func runBot(cmd *cobra.Command, f botFlags) error {
	cfg, loadedFrom, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	// stdout carries the event protocol.
	setupLogging(cfg, "cinechat-bot", cmd.ErrOrStderr())
	logger := log.WithComponent("bot").With().
		Str(log.FieldRoomID, f.room).
		Str(log.FieldParticipantID, f.participantID).
		Logger()

	data, err := decodeSessionData(f.data)
	if err != nil {
		return err
	}
	logger.Debug().Strs("data_keys", data).Bool("token", f.token != "").Msg("session parameters")

	serverURL := f.serverURL
	if serverURL == "" {
		serverURL = cfg.Server.PublicURL
	}

	ctx, cancel := signalContext(cmd, false)
	defer cancel()

	return bot.Run(ctx, bot.Config{
		RoomID:        f.room,
		ParticipantID: f.participantID,
		Worker:        workerConfig(cfg, loadedFrom),
		Status:        statuslog.NewClient(serverURL).Writer(f.participantID),
		Player:        playback.NewClient(cfg.Playback.ServiceURL, cfg.Playback.Fullscreen),
		DefaultLimit:  cfg.Search.DefaultLimit,
		In:            cmd.InOrStdin(),
		Out:           cmd.OutOrStdout(),
		ExitOnEOF:     exitOnEOF(cfg, cmd, f),
	})
}

// exitOnEOF resolves --exit-on-eof against bot.exit_on_eof.
func exitOnEOF(cfg *config.Config, cmd *cobra.Command, f botFlags) bool {
	if cmd.Flags().Changed("exit-on-eof") {
		return f.exitOnEOF
	}
	return cfg.Bot.ExitOnEOF
}

// workerConfig builds the tool worker launch settings. The worker inherits
// the bot's config file through the environment.
func workerConfig(cfg *config.Config, configPath string) toolrpc.WorkerConfig {
	env := make(map[string]string, len(cfg.Worker.Env)+1)
	for k, v := range cfg.Worker.Env {
		env[k] = v
	}
	if configPath != "" {
		env[configEnv] = absPath(configPath)
	}
	return toolrpc.WorkerConfig{
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		Env:            env,
		StartupTimeout: cfg.Worker.StartupTimeout.Std(),
		Grace:          cfg.Supervisor.Grace.Std(),
		KillTimeout:    cfg.Supervisor.KillTimeout.Std(),
		Options: toolrpc.Options{
			CallTimeout: cfg.Worker.CallTimeout.Std(),
			LockTimeout: cfg.Worker.LockTimeout.Std(),
		},
	}
}

// decodeSessionData validates the --data payload and returns its top-level
// keys.
func decodeSessionData(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode --data: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode --data: %w", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
