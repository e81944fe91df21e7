package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/cinechat/internal/statuslog"
)

// handleEvents streams a participant's status entries as SSE. It replays
// from ?last_seen (default 0), then pushes each new entry and ends with a
// "closed" event when the session is torn down.
func handleEvents(store *statuslog.Store, heartbeatEvery time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		l, ok := store.Log(c.Param("identifier"))
		if !ok {
			errorJSON(c, http.StatusNotFound, "unknown identifier")
			return
		}
		next := 0
		if v := c.Query("last_seen"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, "last_seen must be an integer")
				return
			}
			next = n
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			// Take the wakeup channel before reading so no append is missed.
			changed := l.Changed()
			page := l.Since(next)
			for _, e := range page.Entries {
				writeSSE(c.Writer, "status", e)
			}
			if len(page.Entries) > 0 {
				next = page.Total
				c.Writer.Flush()
			}
			if l.Closed() {
				writeSSE(c.Writer, "closed", map[string]int{"total_message_count": page.Total})
				c.Writer.Flush()
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-changed:
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
