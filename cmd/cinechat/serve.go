package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/config"
	"github.com/zulandar/cinechat/internal/db"
	"github.com/zulandar/cinechat/internal/registry"
	"github.com/zulandar/cinechat/internal/server"
	"github.com/zulandar/cinechat/internal/statuslog"
	"github.com/zulandar/cinechat/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: "Runs the session HTTP server. Each POST /connect creates a session and spawns a bot; " +
			"dead bots are swept on the configured schedule and every session is terminated on shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, loadedFrom, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	setupLogging(cfg, "cinechat-server", cmd.ErrOrStderr())

	regOpts, err := registryOptions(cfg)
	if err != nil {
		return err
	}
	reg := registry.New(regOpts)

	sweeper, err := registry.NewSweeper(reg, cfg.Sweep.Schedule)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd, true)
	defer cancel()
	go sweeper.Run(ctx)

	return server.Start(ctx, server.Options{
		Registry:  reg,
		PublicURL: cfg.Server.PublicURL,
		BotArgs:   botArgs(cfg, loadedFrom),
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Out:       cmd.OutOrStdout(),
	})
}

// registryOptions wires the spawner, the optional archive and the optional
// SSH terminator from cfg.
func registryOptions(cfg *config.Config) (registry.Options, error) {
	opts := registry.Options{
		Spawner:       supervisor.ExecSpawner{},
		Commands:      map[registry.Role]string{registry.RoleBot: cfg.Bot.Binary},
		WorkDir:       cfg.Bot.WorkDir,
		Grace:         cfg.Supervisor.Grace.Std(),
		KillTimeout:   cfg.Supervisor.KillTimeout.Std(),
		RemoteTimeout: cfg.Remote.Timeout.Std(),
	}

	var storeOpts []statuslog.Option
	if cfg.Store.Driver != "" {
		gormDB, err := db.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return registry.Options{}, err
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			return registry.Options{}, err
		}
		archive := db.NewArchive(gormDB)
		opts.Archive = archive
		storeOpts = append(storeOpts, statuslog.WithArchiver(archive))
	}
	opts.Statuses = statuslog.New(storeOpts...)

	if cfg.Remote.KeyPath != "" {
		term, err := supervisor.NewSSHTerminator(supervisor.SSHConfig{
			User:           cfg.Remote.User,
			Port:           cfg.Remote.Port,
			KeyPath:        cfg.Remote.KeyPath,
			KnownHostsPath: cfg.Remote.KnownHostsPath,
			Timeout:        cfg.Remote.Timeout.Std(),
			Grace:          cfg.Supervisor.Grace.Std(),
		})
		if err != nil {
			return registry.Options{}, err
		}
		opts.Remote = term
	}
	return opts, nil
}

// botArgs returns the leading bot arguments. Without configured args the
// bot binary is assumed to be this program.
func botArgs(cfg *config.Config, configPath string) []string {
	if len(cfg.Bot.Args) > 0 {
		return cfg.Bot.Args
	}
	args := []string{"bot"}
	if configPath != "" {
		args = append(args, "--config", absPath(configPath))
	}
	return args
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
