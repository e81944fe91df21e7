package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/config"
	"github.com/zulandar/cinechat/internal/log"
)

const (
	defaultConfigPath = "cinechat.yaml"
	// configEnv names the config file for child processes started without
	// a --config flag.
	configEnv = "CINECHAT_CONFIG"
)

// loadConfig reads the config at path. A missing default file yields the
// built-in defaults so that single-machine setups need no file at all.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if env := os.Getenv(configEnv); env != "" {
			path = env
		}
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Cinechat config file")
}

// setupLogging points the base logger at w. Processes that speak a protocol
// on stdout must pass stderr.
func setupLogging(cfg *config.Config, service string, w io.Writer) {
	log.Configure(log.Config{Level: cfg.Log.Level, Output: w, Service: service})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, announce bool) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			if announce {
				fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
