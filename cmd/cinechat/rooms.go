package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/cinechat/internal/registry"
	"github.com/zulandar/cinechat/internal/server"
)

func newRoomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Inspect and clean up room sessions",
	}

	cmd.AddCommand(newRoomsListCmd())
	cmd.AddCommand(newRoomsCleanupCmd())
	cmd.AddCommand(newRoomsCleanupAllCmd())
	return cmd
}

// addServerFlags registers --config and --server; --server wins over
// server.public_url.
func addServerFlags(cmd *cobra.Command, configPath, serverURL *string) {
	addConfigFlag(cmd, configPath)
	cmd.Flags().StringVar(serverURL, "server", "", "session server URL (default server.public_url)")
}

func sessionClient(configPath, serverURL string) (*server.Client, error) {
	if serverURL != "" {
		return server.NewClient(serverURL), nil
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return server.NewClient(cfg.Server.PublicURL), nil
}

func newRoomsListCmd() *cobra.Command {
	var configPath, serverURL string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sessionClient(configPath, serverURL)
			if err != nil {
				return err
			}
			list, err := c.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			printRooms(cmd.OutOrStdout(), list)
			return nil
		},
	}

	addServerFlags(cmd, &configPath, &serverURL)
	return cmd
}

func printRooms(out io.Writer, list *server.RoomList) {
	for _, room := range list.Swept {
		fmt.Fprintf(out, "Swept dead session for room %s\n", room)
	}
	if list.Count == 0 {
		fmt.Fprintln(out, "No live sessions.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tPARTICIPANT\tSTATUS\tBOT\tAGE\tPROCESSES")
	for _, s := range list.Rooms {
		bot := "down"
		if s.BotRunning {
			bot = "up"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.RoomID, s.ParticipantID, s.Status, bot,
			time.Since(s.CreatedAt).Truncate(time.Second), formatHandles(s.Handles))
	}
	w.Flush()
}

func formatHandles(hs []registry.Handle) string {
	if len(hs) == 0 {
		return "-"
	}
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = fmt.Sprintf("%s:%d@%s", h.Role, h.PID, h.Host)
	}
	return strings.Join(parts, ",")
}

func newRoomsCleanupCmd() *cobra.Command {
	var configPath, serverURL string

	cmd := &cobra.Command{
		Use:   "cleanup <room-id>",
		Short: "Terminate one room's session and its processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sessionClient(configPath, serverURL)
			if err != nil {
				return err
			}
			report, err := c.Cleanup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), *report)
			return nil
		},
	}

	addServerFlags(cmd, &configPath, &serverURL)
	return cmd
}

func newRoomsCleanupAllCmd() *cobra.Command {
	var configPath, serverURL string

	cmd := &cobra.Command{
		Use:   "cleanup-all",
		Short: "Terminate every session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sessionClient(configPath, serverURL)
			if err != nil {
				return err
			}
			reports, err := c.CleanupAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range reports {
				printReport(out, r)
			}
			fmt.Fprintf(out, "Terminated %d session(s)\n", len(reports))
			return nil
		},
	}

	addServerFlags(cmd, &configPath, &serverURL)
	return cmd
}

func printReport(out io.Writer, r registry.TerminationReport) {
	fmt.Fprintf(out, "Room %s (%s):\n", r.RoomID, r.ParticipantID)
	if len(r.Results) == 0 {
		fmt.Fprintln(out, "  no processes")
	}
	for _, res := range r.Results {
		outcome := "terminated"
		if !res.OK {
			outcome = "FAILED: " + res.Error
		}
		fmt.Fprintf(out, "  %s pid %d on %s: %s\n", res.Role, res.PID, res.Host, outcome)
	}
}
