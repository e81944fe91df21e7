package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PlayRequest is the body of POST /play.
type PlayRequest struct {
	VideoPath  string   `json:"video_path"`
	Start      float64  `json:"start"`
	End        *float64 `json:"end"`
	Fullscreen *bool    `json:"fullscreen,omitempty"`
}

// PlayResponse is returned by POST /play.
type PlayResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	PID     int     `json:"pid,omitempty"`
	Video   string  `json:"video,omitempty"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
}

// ServiceOpts configures the playback HTTP service.
type ServiceOpts struct {
	Controller *Controller
	VideoDir   string
	Port       int
	Out        io.Writer
}

// NewRouter builds the playback service routes.
func NewRouter(ctrl *Controller, videoDir string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	h := &handler{ctrl: ctrl, videoDir: videoDir}
	router.GET("/health", h.health)
	router.GET("/status", h.status)
	router.POST("/play", h.play)
	router.POST("/stop", h.stop)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Serve starts the idle loop and runs the playback service until ctx is
// cancelled. Playback is stopped on return.
func Serve(ctx context.Context, opts ServiceOpts) error {
	if opts.Controller == nil {
		return fmt.Errorf("playback: controller is required")
	}
	if opts.Port <= 0 {
		opts.Port = 5000
	}
	defer opts.Controller.Close()
	if err := opts.Controller.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Controller, opts.VideoDir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Playback service running at http://localhost:%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("playback: %w", err)
	}
	return nil
}

type handler struct {
	ctrl     *Controller
	videoDir string
}

func (h *handler) health(c *gin.Context) {
	st := h.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "video-playback", "playing": st.Mode == ModePlaying && st.Playing})
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Status())
}

func (h *handler) play(c *gin.Context) {
	var req PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, PlayResponse{Status: "error", Message: "invalid JSON body"})
		return
	}
	if req.VideoPath == "" {
		c.JSON(http.StatusBadRequest, PlayResponse{Status: "error", Message: "video_path is required"})
		return
	}
	if req.End == nil {
		c.JSON(http.StatusBadRequest, PlayResponse{Status: "error", Message: "end time is required"})
		return
	}
	path := h.resolve(req.VideoPath)
	// Checked before anything is stopped so a bad request leaves the
	// current clip on screen.
	if !isURL(path) {
		if _, err := os.Stat(path); err != nil {
			c.JSON(http.StatusNotFound, PlayResponse{Status: "error", Message: "video file not found: " + req.VideoPath})
			return
		}
	}

	clip := Clip{File: path, Start: req.Start, End: *req.End}
	pid, err := h.ctrl.Play(c.Request.Context(), clip)
	if err != nil {
		c.JSON(http.StatusInternalServerError, PlayResponse{Status: "error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PlayResponse{
		Status:  "playing",
		Message: "Playing " + filepath.Base(path),
		PID:     pid,
		Video:   filepath.Base(path),
		Start:   clip.Start,
		End:     clip.End,
	})
}

func (h *handler) stop(c *gin.Context) {
	st, err := h.ctrl.Stop(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "mode": st.Mode})
}

func (h *handler) resolve(p string) string {
	if isURL(p) || filepath.IsAbs(p) || h.videoDir == "" {
		return p
	}
	return filepath.Join(h.videoDir, p)
}

func isURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
