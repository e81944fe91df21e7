package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/cinechat/internal/statuslog"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		follow     bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <identifier>",
		Short: "Show a participant's status log",
		Long:  "Prints the status messages of a participant. Use --follow to keep polling for new messages until the session ends.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				cfg, _, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				serverURL = cfg.Server.PublicURL
			}
			ctx, cancel := signalContext(cmd, false)
			defer cancel()
			return runStatus(ctx, statuslog.NewClient(serverURL), args[0], follow, interval, newStatusPrinter(cmd.OutOrStdout()))
		},
	}

	addServerFlags(cmd, &configPath, &serverURL)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new messages")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

// statusFetcher is the read side of statuslog.Client.
type statusFetcher interface {
	Get(ctx context.Context, identifier string, lastSeen int) (*statuslog.ConversationStatus, error)
}

func runStatus(ctx context.Context, c statusFetcher, identifier string, follow bool, interval time.Duration, p *statusPrinter) error {
	lastSeen := 0
	wasActive := false
	for {
		st, err := c.Get(ctx, identifier, lastSeen)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if st.Status != "active" {
			if wasActive {
				p.notice("session ended")
				return nil
			}
			if !follow {
				p.notice("no messages yet (" + st.Status + ")")
				return nil
			}
		} else {
			wasActive = true
			for i, msg := range st.Context.StatusMessages {
				p.entry(lastSeen+i, msg)
			}
			lastSeen += len(st.Context.StatusMessages)
		}
		if !follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// statusPrinter prints status entries. On a terminal entries are numbered,
// colored by kind and cut to the terminal width.
type statusPrinter struct {
	out   io.Writer
	tty   bool
	width int
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	p := &statusPrinter{out: out}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = w
		}
	}
	return p
}

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

func (p *statusPrinter) entry(index int, msg string) {
	if !p.tty {
		fmt.Fprintln(p.out, msg)
		return
	}
	color := ""
	switch {
	case strings.HasPrefix(msg, "[REASONING]"):
		color = ansiCyan
	case strings.HasPrefix(msg, "[SEARCH RESULTS]"):
		color = ansiYellow
	case strings.HasPrefix(msg, "[VIDEO:"):
		color = ansiGreen
	}
	prefix := fmt.Sprintf("%4d  ", index)
	for i, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if i > 0 {
			prefix = "      "
		}
		fmt.Fprintf(p.out, "%s%s%s%s%s\n", ansiDim, prefix, ansiReset+color, p.fit(line, len(prefix)), ansiReset)
	}
}

func (p *statusPrinter) fit(line string, used int) string {
	avail := p.width - used
	if p.width <= 0 || avail <= 1 || len([]rune(line)) <= avail {
		return line
	}
	r := []rune(line)
	return string(r[:avail-1]) + "…"
}

func (p *statusPrinter) notice(msg string) {
	if p.tty {
		fmt.Fprintf(p.out, "%s-- %s --%s\n", ansiDim, msg, ansiReset)
		return
	}
	fmt.Fprintf(p.out, "-- %s --\n", msg)
}
