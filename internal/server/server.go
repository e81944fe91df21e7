// Package server is the session HTTP surface: rooms join and leave here,
// display-side processes register here, and front-ends poll or stream the
// per-participant status log.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/registry"
)

// Options holds configuration for the session server.
type Options struct {
	Registry *registry.Registry

	// PublicURL is the base URL bots use to post status. Defaults to
	// http://127.0.0.1:<port>.
	PublicURL string
	// BotArgs precede the per-session flags on the bot command line.
	BotArgs []string

	Host string
	Port int
	Out  io.Writer

	// Heartbeat is the SSE keepalive interval. Defaults to 15s.
	Heartbeat time.Duration
}

func (o *Options) defaults() {
	if o.Port <= 0 {
		o.Port = 8090
	}
	if o.PublicURL == "" {
		o.PublicURL = "http://127.0.0.1:" + strconv.Itoa(o.Port)
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
}

// NewRouter returns the gin engine serving the session API.
func NewRouter(opts Options) *gin.Engine {
	opts.defaults()
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log.WithComponent("http")))
	registerRoutes(router, opts)
	return router
}

// Start launches the session server. It blocks until ctx is cancelled, then
// shuts down gracefully and terminates every session.
func Start(ctx context.Context, opts Options) error {
	if opts.Registry == nil {
		return fmt.Errorf("server: registry is required")
	}
	opts.defaults()
	logger := log.WithComponent("server")

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		reports := opts.Registry.TerminateAll(shutdownCtx)
		logger.Info().Int("sessions", len(reports)).Msg("all sessions terminated")
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Session server listening on %s\n", srv.Addr)
	}
	logger.Info().Str("addr", srv.Addr).Str("public_url", opts.PublicURL).Msg("session server starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	<-shutdownDone
	return nil
}
