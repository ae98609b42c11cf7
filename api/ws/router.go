package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/audit"
	"go.uber.org/zap"
)

// HandlerFunc processes a decoded WS message payload.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) error

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes raw bytes, validates seq, and invokes the appropriate
// handler. Handler errors go back to the client as an "error" packet.
func (r *Router) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.String("user", string(s.UserID)),
			zap.Error(err))
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= s.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.String("user", string(s.UserID)),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		return
	}
	if pkt.Seq != 0 {
		s.LastSeq = pkt.Seq
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.String("user", string(s.UserID)))
		return
	}

	s.TraceID = uuid.NewString()
	ctx = audit.WithRequestInfo(ctx, s.TraceID, audit.ClientIPFrom(ctx))

	if err := fn(ctx, s, pkt.Payload); err != nil {
		r.logger.Warn("handler error",
			zap.String("type", pkt.Type),
			zap.String("user", string(s.UserID)),
			zap.String("trace_id", s.TraceID),
			zap.Error(err))
		s.Send(TypeError, errorPayload{Type: pkt.Type, Seq: pkt.Seq, Error: err.Error()})
	}
}

type errorPayload struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq,omitempty"`
	Error string `json:"error"`
}
