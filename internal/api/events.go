package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/events"
)

const eventBuffer = 16

// streamEvents relays the client's signals as server-sent events until the
// request ends.
func (h *Handler) streamEvents(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	signals := make(chan events.Signal, eventBuffer)
	unsubscribe := h.hub.Bus().Subscribe(clientID, func(s events.Signal) {
		select {
		case signals <- s:
		default:
			h.logger.Warn("event stream lagging, dropping signal",
				zap.String("client", clientID), zap.String("kind", string(s.Kind())))
		}
	})
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := sendEvent("ready", gin.H{"client_id": clientID}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s := <-signals:
			if err := sendEvent(string(s.Kind()), signalPayload(s)); err != nil {
				return
			}
		}
	}
}

func signalPayload(s events.Signal) gin.H {
	if lc, ok := s.(events.LoadChat); ok {
		return gin.H{"chat": lc.Chat}
	}
	return gin.H{}
}
