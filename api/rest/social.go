package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the client's retry key for remove, block
// and unblock.
const IdempotencyKeyHeader = "Idempotency-Key"

// SocialHandler handles friends, blocks, reports and presence endpoints.
type SocialHandler struct {
	rel     *relation.Service
	tracker *presence.Tracker
	logger  *zap.Logger
}

// NewSocialHandler creates a new SocialHandler.
func NewSocialHandler(rel *relation.Service, tracker *presence.Tracker, logger *zap.Logger) *SocialHandler {
	return &SocialHandler{rel: rel, tracker: tracker, logger: logger}
}

// Register mounts the handler under g.
func (h *SocialHandler) Register(g *gin.RouterGroup) {
	g.GET("/friends", h.ListFriends)
	g.GET("/requests/incoming", h.ListIncoming)
	g.GET("/requests/outgoing", h.ListOutgoing)
	g.GET("/blocked", h.ListBlocked)
	g.GET("/relationships/:id", h.GetRelationship)
	g.GET("/presence/:id", h.GetPresence)
	g.GET("/privacy", h.GetPrivacy)
	g.PUT("/privacy", h.UpdatePrivacy)

	g.POST("/requests/:id", h.SendRequest)
	g.POST("/requests/:id/accept", h.AcceptRequest)
	g.POST("/requests/:id/decline", h.DeclineRequest)
	g.DELETE("/requests/:id", h.CancelRequest)
	g.DELETE("/friends/:id", h.RemoveFriend)
	g.POST("/blocks/:id", h.Block)
	g.DELETE("/blocks/:id", h.Unblock)
	g.POST("/reports/:id", h.Report)

	g.POST("/presence/heartbeat", h.Heartbeat)
	g.POST("/presence/offline", h.Offline)
}

// relationshipJSON is an edge as seen by one side.
type relationshipJSON struct {
	UserID    relation.UserID `json:"user_id"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// relationStatus names e from me's point of view. meBlocks is set when me
// holds a block record, which the edge only shows while me is the latest
// blocker.
func relationStatus(e relation.Edge, me relation.UserID, meBlocks bool) string {
	other := e.Pair.Other(me)
	switch {
	case meBlocks || e.BlockedBy(me):
		return "blocked"
	case e.State == relation.StateFriends:
		return "friends"
	case e.PendingFrom(me):
		return "request_sent"
	case e.PendingFrom(other):
		return "request_received"
	}
	// Being blocked reads the same as having no relationship.
	return "none"
}

func toJSON(e relation.Edge, me relation.UserID, meBlocks bool) relationshipJSON {
	return relationshipJSON{
		UserID:    e.Pair.Other(me),
		Status:    relationStatus(e, me, meBlocks),
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
	}
}

func toJSONList(edges []relation.Edge, me relation.UserID) []relationshipJSON {
	out := make([]relationshipJSON, len(edges))
	for i, e := range edges {
		out[i] = toJSON(e, me, false)
	}
	return out
}

func me(c *gin.Context) relation.UserID { return relation.UserID(mw.GetUserID(c)) }

func target(c *gin.Context) relation.UserID { return relation.UserID(c.Param("id")) }

// ---- reads ----

// ListFriends handles GET /api/social/friends.
func (h *SocialHandler) ListFriends(c *gin.Context) {
	edges, err := h.rel.ListFriends(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": toJSONList(edges, me(c))})
}

// ListIncoming handles GET /api/social/requests/incoming.
func (h *SocialHandler) ListIncoming(c *gin.Context) {
	edges, err := h.rel.ListIncomingRequests(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": toJSONList(edges, me(c))})
}

// ListOutgoing handles GET /api/social/requests/outgoing.
func (h *SocialHandler) ListOutgoing(c *gin.Context) {
	edges, err := h.rel.ListOutgoingRequests(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": toJSONList(edges, me(c))})
}

// ListBlocked handles GET /api/social/blocked.
func (h *SocialHandler) ListBlocked(c *gin.Context) {
	blocks, err := h.rel.ListBlocked(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	type blockJSON struct {
		UserID    relation.UserID `json:"user_id"`
		Reason    string          `json:"reason,omitempty"`
		BlockedAt time.Time       `json:"blocked_at"`
	}
	out := make([]blockJSON, len(blocks))
	for i, b := range blocks {
		out[i] = blockJSON{UserID: b.UserID, Reason: b.Reason, BlockedAt: b.BlockedAt}
	}
	c.JSON(http.StatusOK, gin.H{"blocked": out})
}

// GetRelationship handles GET /api/social/relationships/:id.
func (h *SocialHandler) GetRelationship(c *gin.Context) {
	v, err := h.rel.RelationshipView(c.Request.Context(), me(c), target(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": toJSON(v.Edge, me(c), v.ActorBlocks)})
}

// GetPresence handles GET /api/social/presence/:id.
func (h *SocialHandler) GetPresence(c *gin.Context) {
	owner := target(c)
	if err := owner.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	v, err := h.tracker.PresenceOf(c.Request.Context(), me(c), owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": v})
}

// GetPrivacy handles GET /api/social/privacy.
func (h *SocialHandler) GetPrivacy(c *gin.Context) {
	s, err := h.tracker.Privacy(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privacy": s})
}

// UpdatePrivacy handles PUT /api/social/privacy.
func (h *SocialHandler) UpdatePrivacy(c *gin.Context) {
	var req struct {
		ShowOnlineStatus *bool `json:"show_online_status" binding:"required"`
		ShowLastSeen     *bool `json:"show_last_seen" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	s, err := h.tracker.UpdatePrivacy(c.Request.Context(), me(c), presence.Settings{
		ShowOnlineStatus: *req.ShowOnlineStatus,
		ShowLastSeen:     *req.ShowLastSeen,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privacy": s})
}

// ---- mutations ----

type confirmReq struct {
	Confirm bool   `json:"confirm"`
	Reason  string `json:"reason"`
}

// confirmed binds the body and insists on an explicit confirmation.
func confirmed(c *gin.Context) (confirmReq, bool) {
	var req confirmReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return req, false
		}
	}
	if !req.Confirm {
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": "confirmation required", "code": "confirmation_required"})
		return req, false
	}
	return req, true
}

func (h *SocialHandler) respond(c *gin.Context, out relation.Outcome, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if out.Op == relation.OpSend {
		status = http.StatusCreated
	}
	// Blocking and reporting always leave the caller holding a block.
	meBlocks := out.Op == relation.OpBlock || out.Op == relation.OpReport
	c.JSON(status, gin.H{
		"relationship": toJSON(out.Edge, me(c), meBlocks),
		"op":           out.Op,
		"was_friend":   out.WasFriend,
		"replayed":     out.Replayed,
	})
}

// SendRequest handles POST /api/social/requests/:id.
func (h *SocialHandler) SendRequest(c *gin.Context) {
	out, err := h.rel.SendRequest(c.Request.Context(), me(c), target(c))
	h.respond(c, out, err)
}

// AcceptRequest handles POST /api/social/requests/:id/accept.
func (h *SocialHandler) AcceptRequest(c *gin.Context) {
	out, err := h.rel.AcceptRequest(c.Request.Context(), me(c), target(c))
	h.respond(c, out, err)
}

// DeclineRequest handles POST /api/social/requests/:id/decline.
func (h *SocialHandler) DeclineRequest(c *gin.Context) {
	out, err := h.rel.DeclineRequest(c.Request.Context(), me(c), target(c))
	h.respond(c, out, err)
}

// CancelRequest handles DELETE /api/social/requests/:id.
func (h *SocialHandler) CancelRequest(c *gin.Context) {
	out, err := h.rel.CancelRequest(c.Request.Context(), me(c), target(c))
	h.respond(c, out, err)
}

// RemoveFriend handles DELETE /api/social/friends/:id.
func (h *SocialHandler) RemoveFriend(c *gin.Context) {
	if _, ok := confirmed(c); !ok {
		return
	}
	out, err := h.rel.RemoveFriend(c.Request.Context(), me(c), target(c), c.GetHeader(IdempotencyKeyHeader))
	h.respond(c, out, err)
}

// Block handles POST /api/social/blocks/:id.
func (h *SocialHandler) Block(c *gin.Context) {
	req, ok := confirmed(c)
	if !ok {
		return
	}
	out, err := h.rel.BlockUser(c.Request.Context(), me(c), target(c), req.Reason, c.GetHeader(IdempotencyKeyHeader))
	h.respond(c, out, err)
}

// Unblock handles DELETE /api/social/blocks/:id.
func (h *SocialHandler) Unblock(c *gin.Context) {
	out, err := h.rel.UnblockUser(c.Request.Context(), me(c), target(c), c.GetHeader(IdempotencyKeyHeader))
	h.respond(c, out, err)
}

// Report handles POST /api/social/reports/:id. A report also blocks.
func (h *SocialHandler) Report(c *gin.Context) {
	req, ok := confirmed(c)
	if !ok {
		return
	}
	out, err := h.rel.ReportUser(c.Request.Context(), me(c), target(c), req.Reason)
	h.respond(c, out, err)
}

// ---- presence ----

// Heartbeat handles POST /api/social/presence/heartbeat.
func (h *SocialHandler) Heartbeat(c *gin.Context) {
	var req struct {
		AnimID *string `json:"anim_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
	}
	rec, err := h.tracker.Heartbeat(c.Request.Context(), me(c), req.AnimID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": rec.Online, "version": rec.Version})
}

// Offline handles POST /api/social/presence/offline.
func (h *SocialHandler) Offline(c *gin.Context) {
	rec, err := h.tracker.SignOut(c.Request.Context(), me(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": rec.Online, "version": rec.Version})
}

// ---- errors ----

var statusByErr = []struct {
	err    error
	status int
}{
	{relation.ErrSelfRequest, http.StatusBadRequest},
	{relation.ErrInvalidReason, http.StatusBadRequest},
	{relation.ErrInvalidUserID, http.StatusBadRequest},
	{relation.ErrUnknownOp, http.StatusBadRequest},
	{relation.ErrBlocked, http.StatusForbidden},
	{relation.ErrNotRecipient, http.StatusForbidden},
	{relation.ErrNotInitiator, http.StatusForbidden},
	{relation.ErrNoPendingRequest, http.StatusNotFound},
	{relation.ErrNoSuchFriendship, http.StatusNotFound},
	{relation.ErrNotBlocked, http.StatusNotFound},
	{relation.ErrAlreadyFriends, http.StatusConflict},
	{relation.ErrRequestAlreadyPending, http.StatusConflict},
	{relation.ErrTimeout, http.StatusGatewayTimeout},
	{relation.ErrTransientStore, http.StatusServiceUnavailable},
}

// httpStatus maps a service error onto a response code.
func httpStatus(err error) int {
	for _, s := range statusByErr {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func (h *SocialHandler) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("social request failed",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		msg = "internal error"
	} else if status >= http.StatusInternalServerError {
		h.logger.Warn("social request failed",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		// Wrapped store details stay in the log.
		msg = unwrapSentinel(err)
	}
	c.JSON(status, gin.H{
		"error":     msg,
		"code":      relation.Code(err),
		"retryable": relation.Retryable(err),
	})
}

func unwrapSentinel(err error) string {
	for _, s := range []error{relation.ErrTimeout, relation.ErrTransientStore} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
