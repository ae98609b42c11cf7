package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/social/gateway"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

// Handler handles the SSE endpoint.
type Handler struct {
	gw        *gateway.Gateway
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(gw *gateway.Gateway, keepalive time.Duration, logger *zap.Logger) *Handler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Handler{gw: gw, keepalive: keepalive, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>. Must run behind middleware.Auth.
// The first event is always the snapshot; after that every social change
// visible to the user arrives as one event named after its kind.
func (h *Handler) ServeSSE(c *gin.Context) {
	user := relation.UserID(mw.GetUserID(c))
	sub, err := h.gw.Subscribe(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.String("user", string(user)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription unavailable", "retryable": true})
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Ending the response makes EventSource reconnect.
				if err := sub.Err(); err != nil {
					h.logger.Warn("sse subscription ended", zap.String("user", string(user)), zap.Error(err))
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("sse encode", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Kind, data)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
