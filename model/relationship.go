package model

import "time"

// Relationship is the single edge for an unordered user pair.
// UserA < UserB; PairKey is "UserA|UserB". Status: none|pending|friends|blocked.
// ActorID is the initiator of a pending request or the blocker of a block.
// Rows are never deleted: returning to "none" bumps Version like any other
// transition, so versions observed by subscribers only ever increase.
type Relationship struct {
	PairKey   string    `gorm:"primaryKey;size:130" json:"pair_key"`
	UserA     string    `gorm:"index:idx_rel_user_a;size:64;not null" json:"user_a"`
	UserB     string    `gorm:"index:idx_rel_user_b;size:64;not null" json:"user_b"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	ActorID   string    `gorm:"size:64" json:"actor_id"`
	Version   int64     `gorm:"not null" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Block is a directional block record (blocker → blocked).
type Block struct {
	BlockerID string    `gorm:"primaryKey;size:64" json:"blocker_id"`
	BlockedID string    `gorm:"primaryKey;size:64" json:"blocked_id"`
	Reason    string    `gorm:"size:512" json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Report is a user report. Committing a report always commits a block too.
// Status: open=awaiting moderation, reviewed=closed by an admin.
type Report struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReporterID     string     `gorm:"index:idx_report_pair;size:64;not null" json:"reporter_id"`
	ReportedID     string     `gorm:"index:idx_report_pair;size:64;not null" json:"reported_id"`
	Reason         string     `gorm:"size:512;not null" json:"reason"`
	ResultingBlock bool       `json:"resulting_block"`
	Status         string     `gorm:"size:16;index;not null" json:"status"`
	ReportedAt     time.Time  `gorm:"index:idx_report_pair" json:"reported_at"`
	ReviewedAt     *time.Time `json:"reviewed_at"`
}

const (
	ReportOpen     = "open"
	ReportReviewed = "reviewed"
)

// IdempotencyKey remembers the committed outcome of a keyed mutation so a
// retried call returns the original result instead of re-applying it.
type IdempotencyKey struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"` // hex blake2b-256
	ActorID   string    `gorm:"size:64;not null" json:"actor_id"`
	Op        string    `gorm:"size:16;not null" json:"op"`
	PairKey   string    `gorm:"size:130;not null" json:"pair_key"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	EdgeActor string    `gorm:"size:64" json:"edge_actor"`
	Version   int64     `json:"version"`
	WasFriend bool      `json:"was_friend"`
	CreatedAt time.Time `gorm:"index:idx_idem_created" json:"created_at"`
}

// PrivacySettings controls what friends can see of a user's presence.
// A user without a row shows everything.
type PrivacySettings struct {
	UserID           string    `gorm:"primaryKey;size:64" json:"user_id"`
	ShowOnlineStatus bool      `json:"show_online_status"`
	ShowLastSeen     bool      `json:"show_last_seen"`
	UpdatedAt        time.Time `json:"updated_at"`
}
