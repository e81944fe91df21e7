package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/server"
)

func newRegisterCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		req        server.RegisterRequest
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Attach a display-side process to a room session",
		Long: "Registers a remote client or remote playback process with the session server so that " +
			"it is terminated together with the room.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sessionClient(configPath, serverURL)
			if err != nil {
				return err
			}
			if err := c.Register(cmd.Context(), req); err != nil {
				return err
			}
			host := req.Host
			if host == "" {
				host = "local"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s pid %d on %s with room %s\n", req.Role, req.PID, host, req.RoomID)
			return nil
		},
	}

	addServerFlags(cmd, &configPath, &serverURL)
	cmd.Flags().StringVar(&req.RoomID, "room", "", "room identifier (required)")
	cmd.Flags().StringVar(&req.Role, "role", "remote_client", "remote_client or remote_playback")
	cmd.Flags().IntVar(&req.PID, "pid", 0, "process id to register (required)")
	cmd.Flags().StringVar(&req.Host, "host", "", "host the process runs on (default local)")
	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("pid")
	return cmd
}
