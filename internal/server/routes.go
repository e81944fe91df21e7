package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/cinechat/internal/registry"
	"github.com/zulandar/cinechat/internal/statuslog"
)

// registerRoutes sets up the session API on the Gin router.
func registerRoutes(router *gin.Engine, opts Options) {
	reg := opts.Registry

	// Room lifecycle.
	router.POST("/connect", handleConnect(reg, opts))
	router.GET("/rooms", handleRooms(reg))
	router.POST("/cleanup-room", handleCleanupRoom(reg))
	router.POST("/cleanup-all-rooms", handleCleanupAll(reg))
	router.POST("/register-remote", handleRegisterRemote(reg))

	// Status log.
	router.GET("/conversation-status/:identifier", handleConversationStatus(reg.Statuses()))
	router.POST("/update-status", handleUpdateStatus(reg.Statuses()))
	router.GET("/api/events/:identifier", handleEvents(reg.Statuses(), opts.Heartbeat))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": reg.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type connectRequest struct {
	RoomID string          `json:"room_id"`
	Token  string          `json:"token"`
	Data   json.RawMessage `json:"data"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type registerRequest struct {
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
	PID    int    `json:"pid"`
	Host   string `json:"host"`
}

func errorJSON(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// botArgs builds the command line for a room's bot.
func botArgs(opts Options, req connectRequest, participantID string) []string {
	args := append([]string(nil), opts.BotArgs...)
	args = append(args,
		"--room", req.RoomID,
		"--participant", participantID,
		"--server", opts.PublicURL,
	)
	if req.Token != "" {
		args = append(args, "--token", req.Token)
	}
	if len(req.Data) > 0 && string(req.Data) != "null" {
		args = append(args, "--data", base64.StdEncoding.EncodeToString(req.Data))
	}
	return args
}

func handleConnect(reg *registry.Registry, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RoomID == "" {
			errorJSON(c, http.StatusBadRequest, "room_id is required")
			return
		}
		ctx := c.Request.Context()

		identifier, h, err := reg.Connect(ctx, req.RoomID, func(participantID string) []string {
			return botArgs(opts, req, participantID)
		})
		if errors.Is(err, registry.ErrDuplicateActiveBot) {
			errorJSON(c, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"room_id":    req.RoomID,
			"identifier": identifier,
			"pid":        h.PID,
		})
	}
}

func handleRooms(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		swept := reg.SweepDead(c.Request.Context())
		rooms := reg.List()
		c.JSON(http.StatusOK, gin.H{
			"rooms": rooms,
			"count": len(rooms),
			"swept": swept,
		})
	}
}

func handleCleanupRoom(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req roomRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
			errorJSON(c, http.StatusBadRequest, "room_id is required")
			return
		}
		report := reg.TerminateSession(c.Request.Context(), req.RoomID)
		if !report.Found {
			c.JSON(http.StatusNotFound, report)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func handleCleanupAll(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		reports := reg.TerminateAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"terminated": len(reports),
			"reports":    reports,
		})
	}
}

func handleRegisterRemote(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RoomID == "" {
			errorJSON(c, http.StatusBadRequest, "room_id is required")
			return
		}
		err := reg.RegisterRemote(req.RoomID, registry.Role(req.Role), req.PID, req.Host)
		switch {
		case errors.Is(err, registry.ErrSessionNotFound):
			errorJSON(c, http.StatusNotFound, err.Error())
			return
		case err != nil:
			errorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "registered", "room_id": req.RoomID, "role": req.Role, "pid": req.PID})
	}
}

func handleConversationStatus(store *statuslog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.Param("identifier")
		lastSeen := 0
		if v := c.Query("last_seen"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, "last_seen must be an integer")
				return
			}
			lastSeen = n
		}

		page, err := store.Get(identifier, lastSeen)
		if errors.Is(err, statuslog.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "initializing", "context": gin.H{}})
			return
		}
		msgs := make([]string, len(page.Entries))
		for i, e := range page.Entries {
			msgs[i] = e.Text
		}
		c.JSON(http.StatusOK, statuslog.ConversationStatus{
			Status:     "active",
			Identifier: identifier,
			Context: statuslog.StatusContext{
				StatusMessages:    msgs,
				TotalMessageCount: page.Total,
			},
		})
	}
}

func handleUpdateStatus(store *statuslog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statuslog.UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Identifier == "" || req.Status == "" {
			errorJSON(c, http.StatusBadRequest, "identifier and status are required")
			return
		}
		e, err := store.Append(req.Identifier, req.Status)
		if errors.Is(err, statuslog.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "unknown identifier")
			return
		}
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "index": e.Index})
	}
}
