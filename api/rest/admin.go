package rest

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

// AdminHandler handles moderation and metrics endpoints.
// Routes should be protected by middleware.AdminKey.
type AdminHandler struct {
	store   *relation.Store
	audit   *audit.Service
	tracker *presence.Tracker
	sched   *scheduler.Scheduler
	started time.Time
	logger  *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	store *relation.Store,
	auditSvc *audit.Service,
	tracker *presence.Tracker,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{store: store, audit: auditSvc, tracker: tracker, sched: sched, started: time.Now(), logger: logger}
}

// Register mounts the handler under g.
func (h *AdminHandler) Register(g *gin.RouterGroup) {
	g.GET("/metrics", h.Metrics)
	g.GET("/reports", h.ListReports)
	g.POST("/reports/:id/review", h.ReviewReport)
	g.GET("/audit", h.ListAudit)
}

// Metrics returns engine health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()
	edges, err := h.store.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("admin metrics: count edges", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	online, err := h.tracker.OnlineCount(ctx)
	if err != nil {
		h.logger.Error("admin metrics: online count", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relationships":   edges,
		"online_users":    online,
		"goroutines":      runtime.NumGoroutine(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"scheduler_tasks": h.sched.Stats(),
	})
}

// ListReports returns moderation reports, newest first.
// GET /api/admin/reports?status=open&limit=50&offset=0
func (h *AdminHandler) ListReports(c *gin.Context) {
	status := c.DefaultQuery("status", model.ReportOpen)
	if status == "all" {
		status = ""
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	reports, err := h.store.ListReports(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("admin list reports", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// ReviewReport closes an open report.
// POST /api/admin/reports/:id/review
func (h *AdminHandler) ReviewReport(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	err = h.store.ReviewReport(c.Request.Context(), id, time.Now())
	switch {
	case errors.Is(err, relation.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found or already reviewed"})
		return
	case err != nil:
		h.logger.Error("admin review report", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	h.logger.Info("report reviewed", zap.Int64("id", id))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListAudit returns recent audit rows.
// GET /api/admin/audit?actor=&trace_id=&action=&limit=100
func (h *AdminHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := h.audit.Query(c.Request.Context(), audit.Filter{
		ActorID: c.Query("actor"),
		TraceID: c.Query("trace_id"),
		Action:  c.Query("action"),
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("admin list audit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}
