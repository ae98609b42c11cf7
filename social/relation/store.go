package relation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kasuganosora/friendsync/model"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

// ErrReportNotFound is returned by ReviewReport for an unknown or closed report.
var ErrReportNotFound = errors.New("report not found")

// Store persists edges, blocks, reports and idempotency records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Mutation is a decided transition ready to be committed.
type Mutation struct {
	Pair  Pair
	Actor UserID
	// Expected is the edge version the decision was made on; 0 means no row.
	Expected int64
	Next     State
	Op       Op

	CreateBlock  bool
	DeleteBlock  bool
	CreateReport bool
	Reason       string
	WasFriend    bool

	// IdempotencyKey is a hashed record key from IdempotencyRecordKey.
	IdempotencyKey string
	At             time.Time
}

// IdempotencyRecordKey derives the record key for a caller-supplied key.
// The actor, op and target are part of the hash so a key reused for a
// different call never replays the wrong outcome.
func IdempotencyRecordKey(actor UserID, op Op, other UserID, key string) string {
	sum := blake2b.Sum256([]byte(string(actor) + "|" + string(op) + "|" + string(other) + "|" + key))
	return hex.EncodeToString(sum[:])
}

// Load reads the edge of pair and both block records as seen by actor.
func (s *Store) Load(ctx context.Context, pair Pair, actor UserID) (View, error) {
	db := s.db.WithContext(ctx)
	edge, err := loadEdge(db, pair)
	if err != nil {
		return View{}, err
	}
	other := pair.Other(actor)
	var blocks []model.Block
	if err := db.Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)",
		string(actor), string(other), string(other), string(actor)).Find(&blocks).Error; err != nil {
		return View{}, fmt.Errorf("relation: load blocks: %w", err)
	}
	v := View{Edge: edge}
	for _, b := range blocks {
		if UserID(b.BlockerID) == actor {
			v.ActorBlocks = true
		} else {
			v.OtherBlocks = true
		}
	}
	return v, nil
}

// Edge returns the current edge of pair; a missing row is None at version 0.
func (s *Store) Edge(ctx context.Context, pair Pair) (Edge, error) {
	return loadEdge(s.db.WithContext(ctx), pair)
}

func loadEdge(db *gorm.DB, pair Pair) (Edge, error) {
	var row model.Relationship
	err := db.Where("pair_key = ?", pair.Key()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Edge{Pair: pair, State: StateNone}, nil
	}
	if err != nil {
		return Edge{}, fmt.Errorf("relation: load edge: %w", err)
	}
	return rowToEdge(row), nil
}

func rowToEdge(row model.Relationship) Edge {
	p := Pair{A: UserID(row.UserA), B: UserID(row.UserB)}
	return Edge{
		Pair:      p,
		State:     stateFromRow(p, row.Status, UserID(row.ActorID)),
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// Commit applies m in one transaction. The edge write is conditional on
// m.Expected; losing that race, or any racing write on the block or
// idempotency rows, returns ErrConflict and nothing is written.
func (s *Store) Commit(ctx context.Context, m Mutation) (Edge, error) {
	next := Edge{Pair: m.Pair, State: m.Next}
	status, edgeActor := next.status()
	other := m.Pair.Other(m.Actor)
	key := m.Pair.Key()

	var row model.Relationship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.Expected == 0 {
			row = model.Relationship{
				PairKey:   key,
				UserA:     string(m.Pair.A),
				UserB:     string(m.Pair.B),
				Status:    status,
				ActorID:   string(edgeActor),
				Version:   1,
				CreatedAt: m.At,
				UpdatedAt: m.At,
			}
			if err := tx.Create(&row).Error; err != nil {
				return conflictOr(err, "insert edge")
			}
		} else {
			res := tx.Model(&model.Relationship{}).
				Where("pair_key = ? AND version = ?", key, m.Expected).
				Updates(map[string]interface{}{
					"status":     status,
					"actor_id":   string(edgeActor),
					"version":    m.Expected + 1,
					"updated_at": m.At,
				})
			if res.Error != nil {
				return fmt.Errorf("relation: update edge: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			if err := tx.Where("pair_key = ?", key).Take(&row).Error; err != nil {
				return fmt.Errorf("relation: reload edge: %w", err)
			}
		}

		if m.CreateBlock {
			b := model.Block{
				BlockerID: string(m.Actor),
				BlockedID: string(other),
				Reason:    m.Reason,
				BlockedAt: m.At,
			}
			if err := tx.Create(&b).Error; err != nil {
				return conflictOr(err, "create block")
			}
		}
		if m.DeleteBlock {
			res := tx.Where("blocker_id = ? AND blocked_id = ?", string(m.Actor), string(other)).
				Delete(&model.Block{})
			if res.Error != nil {
				return fmt.Errorf("relation: delete block: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
		}
		if m.CreateReport {
			r := model.Report{
				ReporterID:     string(m.Actor),
				ReportedID:     string(other),
				Reason:         m.Reason,
				ResultingBlock: true,
				Status:         model.ReportOpen,
				ReportedAt:     m.At,
			}
			if err := tx.Create(&r).Error; err != nil {
				return fmt.Errorf("relation: create report: %w", err)
			}
		}
		if m.IdempotencyKey != "" {
			rec := model.IdempotencyKey{
				Key:       m.IdempotencyKey,
				ActorID:   string(m.Actor),
				Op:        string(m.Op),
				PairKey:   key,
				Status:    status,
				EdgeActor: string(edgeActor),
				Version:   row.Version,
				WasFriend: m.WasFriend,
				CreatedAt: m.At,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return conflictOr(err, "record idempotency key")
			}
		}
		return nil
	})
	if err != nil {
		return Edge{}, err
	}
	return rowToEdge(row), nil
}

func conflictOr(err error, what string) error {
	if isDuplicate(err) {
		return ErrConflict
	}
	return fmt.Errorf("relation: %s: %w", what, err)
}

// isDuplicate detects unique violations; drivers that do not translate
// errors are matched on their message.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

// LookupIdempotency returns the outcome stored under a record key.
func (s *Store) LookupIdempotency(ctx context.Context, recordKey string) (Outcome, bool, error) {
	var rec model.IdempotencyKey
	err := s.db.WithContext(ctx).Where("`key` = ?", recordKey).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("relation: lookup idempotency: %w", err)
	}
	p := parsePairKey(rec.PairKey)
	return Outcome{
		Edge: Edge{
			Pair:      p,
			State:     stateFromRow(p, rec.Status, UserID(rec.EdgeActor)),
			Version:   rec.Version,
			UpdatedAt: rec.CreatedAt,
		},
		Op:        Op(rec.Op),
		WasFriend: rec.WasFriend,
		Replayed:  true,
	}, true, nil
}

// PurgeIdempotency deletes records created before the cutoff.
func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.IdempotencyKey{})
	if res.Error != nil {
		return 0, fmt.Errorf("relation: purge idempotency: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ---- projections ----

// ListEdges returns every edge u is part of, including rows back at none.
func (s *Store) ListEdges(ctx context.Context, u UserID) ([]Edge, error) {
	return s.edges(ctx, "(user_a = ? OR user_b = ?)", string(u), string(u))
}

// ListFriends returns u's friendship edges.
func (s *Store) ListFriends(ctx context.Context, u UserID) ([]Edge, error) {
	return s.edges(ctx, "(user_a = ? OR user_b = ?) AND status = ?", string(u), string(u), statusFriends)
}

// ListIncoming returns pending requests sent to u.
func (s *Store) ListIncoming(ctx context.Context, u UserID) ([]Edge, error) {
	return s.edges(ctx, "(user_a = ? OR user_b = ?) AND status = ? AND actor_id <> ?",
		string(u), string(u), statusPending, string(u))
}

// ListOutgoing returns pending requests sent by u.
func (s *Store) ListOutgoing(ctx context.Context, u UserID) ([]Edge, error) {
	return s.edges(ctx, "(user_a = ? OR user_b = ?) AND status = ? AND actor_id = ?",
		string(u), string(u), statusPending, string(u))
}

func (s *Store) edges(ctx context.Context, query string, args ...interface{}) ([]Edge, error) {
	var rows []model.Relationship
	if err := s.db.WithContext(ctx).Where(query, args...).
		Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relation: list edges: %w", err)
	}
	out := make([]Edge, len(rows))
	for i, r := range rows {
		out[i] = rowToEdge(r)
	}
	return out, nil
}

// FriendIDs returns the users u is friends with.
func (s *Store) FriendIDs(ctx context.Context, u UserID) ([]UserID, error) {
	edges, err := s.ListFriends(ctx, u)
	if err != nil {
		return nil, err
	}
	ids := make([]UserID, len(edges))
	for i, e := range edges {
		ids[i] = e.Pair.Other(u)
	}
	return ids, nil
}

// ListBlocked returns the users u blocks, newest first.
func (s *Store) ListBlocked(ctx context.Context, u UserID) ([]BlockEntry, error) {
	var rows []model.Block
	if err := s.db.WithContext(ctx).Where("blocker_id = ?", string(u)).
		Order("blocked_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relation: list blocked: %w", err)
	}
	out := make([]BlockEntry, len(rows))
	for i, b := range rows {
		out[i] = BlockEntry{UserID: UserID(b.BlockedID), Reason: b.Reason, BlockedAt: b.BlockedAt}
	}
	return out, nil
}

// CountByStatus returns the number of edges in each row status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := s.db.WithContext(ctx).Model(&model.Relationship{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("relation: count edges: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ---- moderation ----

// ListReports returns reports with the given status ("" for all), newest first.
func (s *Store) ListReports(ctx context.Context, status string, limit, offset int) ([]model.Report, error) {
	q := s.db.WithContext(ctx).Model(&model.Report{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.Report
	if err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("relation: list reports: %w", err)
	}
	return out, nil
}

// ReviewReport closes an open report.
func (s *Store) ReviewReport(ctx context.Context, id int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Report{}).
		Where("id = ? AND status = ?", id, model.ReportOpen).
		Updates(map[string]interface{}{"status": model.ReportReviewed, "reviewed_at": at})
	if res.Error != nil {
		return fmt.Errorf("relation: review report: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}
