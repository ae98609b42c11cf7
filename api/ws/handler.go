package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/friendsync/config"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/social/gateway"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

// Packet types.
const (
	TypePresenceHeartbeat = "presence_heartbeat"
	TypePresenceSignOut   = "presence_signout"
	TypePresenceAck       = "presence_ack"
	TypeSocialEvent       = "social_event"
	TypeError             = "error"
)

// Handler is the Gin handler for GET /ws. The socket is the user's
// presence transport: heartbeats keep it online, and an abrupt close is
// reported as a disconnect.
type Handler struct {
	tracker  *presence.Tracker
	gw       *gateway.Gateway
	sm       *SessionManager
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	tracker *presence.Tracker,
	gw *gateway.Gateway,
	sm *SessionManager,
	sec config.SecurityConfig,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		tracker: tracker,
		gw:      gw,
		sm:      sm,
		router:  NewRouter(logger),
		logger:  logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	h.router.On(TypePresenceHeartbeat, h.handleHeartbeat)
	h.router.On(TypePresenceSignOut, h.handleSignOut)
	return h
}

// ServeWS handles GET /ws?token=<jwt>. Must run behind middleware.Auth.
func (h *Handler) ServeWS(c *gin.Context) {
	user := relation.UserID(mw.GetUserID(c))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	sess := NewSession(user, conn, h.logger)
	h.sm.Register(sess)

	sub, err := h.gw.Subscribe(ctx, user)
	if err != nil {
		h.logger.Error("ws subscribe failed", zap.String("user", string(user)), zap.Error(err))
		h.sm.Unregister(sess)
		sess.Close()
		return
	}
	go h.pushEvents(sess, sub)

	// Connecting counts as the first heartbeat.
	if _, err := h.tracker.Heartbeat(ctx, user, nil); err != nil {
		h.logger.Warn("ws initial heartbeat", zap.String("user", string(user)), zap.Error(err))
	}

	h.readPump(ctx, sess)
	sub.Close()
	h.handleDisconnect(ctx, sess)
}

// pushEvents forwards gateway events to the socket until either side ends.
// A subscription that ended on its own takes the socket down with it so
// the client reconnects and resubscribes.
func (h *Handler) pushEvents(s *Session, sub *gateway.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					h.logger.Warn("ws subscription ended",
						zap.String("user", string(s.UserID)), zap.Error(err))
					s.CloseWith(websocket.CloseTryAgainLater, "subscription lost")
				}
				return
			}
			if !s.Send(TypeSocialEvent, ev) {
				return
			}
		case <-s.Done:
			return
		}
	}
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(ctx context.Context, s *Session) {
	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.String("user", string(s.UserID)),
					zap.Error(err))
			}
			return
		}
		s.SetReadDeadline()
		h.router.Dispatch(ctx, s, raw)
	}
}

// handleDisconnect cleans up after the connection closes. Only the user's
// current session reports the disconnect to the presence tracker.
func (h *Handler) handleDisconnect(ctx context.Context, s *Session) {
	s.Close()
	if !h.sm.Unregister(s) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.tracker.Disconnect(ctx, s.UserID); err != nil {
		h.logger.Warn("ws disconnect presence", zap.String("user", string(s.UserID)), zap.Error(err))
	}
	h.logger.Info("ws disconnected", zap.String("user", string(s.UserID)))
}

type heartbeatReq struct {
	AnimID *string `json:"anim_id"`
}

type presenceAck struct {
	Online  bool  `json:"online"`
	Version int64 `json:"version"`
}

func (h *Handler) handleHeartbeat(ctx context.Context, s *Session, payload json.RawMessage) error {
	var req heartbeatReq
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
	}
	rec, err := h.tracker.Heartbeat(ctx, s.UserID, req.AnimID)
	if err != nil {
		return err
	}
	s.Send(TypePresenceAck, presenceAck{Online: rec.Online, Version: rec.Version})
	return nil
}

func (h *Handler) handleSignOut(ctx context.Context, s *Session, _ json.RawMessage) error {
	rec, err := h.tracker.SignOut(ctx, s.UserID)
	if err != nil {
		return err
	}
	s.Send(TypePresenceAck, presenceAck{Online: rec.Online, Version: rec.Version})
	return nil
}
