package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/friendsync/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry holds one audit event to be logged.
type Entry struct {
	TraceID    string
	ActorID    string
	TargetID   string
	Action     string
	Request    interface{}
	Response   interface{}
	Error      string
	IP         string
	DurationMs int
}

type ctxKey int

const (
	traceIDKey ctxKey = iota
	clientIPKey
)

// WithRequestInfo attaches the request's trace ID and client IP to ctx so
// services deeper in the call chain can stamp their audit entries.
func WithRequestInfo(ctx context.Context, traceID, ip string) context.Context {
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return context.WithValue(ctx, clientIPKey, ip)
}

// TraceIDFrom returns the trace ID stored by WithRequestInfo, or "".
func TraceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// ClientIPFrom returns the client IP stored by WithRequestInfo, or "".
func ClientIPFrom(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey).(string)
	return v
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db     *gorm.DB
	ch     chan *model.AuditLog
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an audit entry for async DB write.
func (svc *Service) Log(entry Entry) {
	reqJSON, _ := json.Marshal(entry.Request)
	respJSON, _ := json.Marshal(entry.Response)
	record := &model.AuditLog{
		TraceID:    entry.TraceID,
		ActorID:    entry.ActorID,
		TargetID:   entry.TargetID,
		Action:     entry.Action,
		Request:    datatypes.JSON(reqJSON),
		Response:   datatypes.JSON(respJSON),
		Error:      entry.Error,
		IP:         entry.IP,
		DurationMs: entry.DurationMs,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action))
	}
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	select {
	case <-svc.stopCh:
	default:
		close(svc.stopCh)
	}
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			// Drain remaining entries.
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Filter selects audit rows. Empty fields match everything.
type Filter struct {
	ActorID string
	TraceID string
	Action  string
	Limit   int
}

// Query returns flushed audit rows matching f, newest first. Entries still
// queued for the batch writer are not visible yet.
func (svc *Service) Query(ctx context.Context, f Filter) ([]model.AuditLog, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(f.Limit)
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.TraceID != "" {
		q = q.Where("trace_id = ?", f.TraceID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	var rows []model.AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return rows, nil
}
