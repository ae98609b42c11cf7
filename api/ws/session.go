package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one user's WebSocket connection.
type Session struct {
	UserID relation.UserID
	Conn   *websocket.Conn

	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	closeOnce sync.Once
	closeMsg  []byte
	logger    *zap.Logger
}

// NewSession creates a Session and starts its write goroutine. A nil conn
// yields a detached session whose packets stay in SendChan.
func NewSession(user relation.UserID, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		UserID:   user,
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		logger:   logger,
	}
	if conn != nil {
		go s.writePump()
	}
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.String("user", string(s.UserID)),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = s.Conn.WriteMessage(websocket.CloseMessage, s.closeMsg)
			return
		}
	}
}

// SetReadDeadline extends the read deadline after any client traffic.
func (s *Session) SetReadDeadline() {
	if s.Conn != nil {
		_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

// Send encodes a packet and queues it without blocking. A client too slow
// to drain its queue is disconnected rather than silently missing packets,
// so it reconnects and starts from a fresh snapshot. Returns false when the
// packet was not queued.
func (s *Session) Send(msgType string, payload interface{}) bool {
	if s.IsClosed() {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("ws encode payload", zap.String("type", msgType), zap.Error(err))
		return false
	}
	data, err := json.Marshal(Packet{Type: msgType, Payload: raw})
	if err != nil {
		return false
	}
	select {
	case s.SendChan <- data:
		return true
	case <-s.Done:
		return false
	default:
		s.logger.Warn("send channel full, closing session",
			zap.String("user", string(s.UserID)),
			zap.String("type", msgType))
		s.CloseWith(websocket.CloseTryAgainLater, "send queue overflow")
		return false
	}
}

// Close signals the writePump to shut down. Safe to call more than once.
func (s *Session) Close() {
	s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith is Close with the code and reason sent in the close frame. Only
// the first call's code is used.
func (s *Session) CloseWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(s.Done)
	})
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}
