package relation

import (
	"strings"
	"time"
)

// UserID is an opaque, externally issued user identifier.
type UserID string

const maxUserIDLen = 64

// Validate checks that id can be stored and used in a pair key.
func (id UserID) Validate() error {
	if len(id) == 0 || len(id) > maxUserIDLen || strings.Contains(string(id), "|") {
		return ErrInvalidUserID
	}
	return nil
}

// Pair is the canonical unordered user pair, A < B.
type Pair struct {
	A UserID
	B UserID
}

// NewPair validates x and y and returns them in canonical order.
func NewPair(x, y UserID) (Pair, error) {
	if err := x.Validate(); err != nil {
		return Pair{}, err
	}
	if err := y.Validate(); err != nil {
		return Pair{}, err
	}
	if x == y {
		return Pair{}, ErrSelfRequest
	}
	if x > y {
		x, y = y, x
	}
	return Pair{A: x, B: y}, nil
}

// Key is the storage key "A|B".
func (p Pair) Key() string { return string(p.A) + "|" + string(p.B) }

// parsePairKey is the inverse of Pair.Key for stored keys.
func parsePairKey(key string) Pair {
	a, b, _ := strings.Cut(key, "|")
	return Pair{A: UserID(a), B: UserID(b)}
}

// Other returns the member of p that is not u.
func (p Pair) Other(u UserID) UserID {
	if u == p.A {
		return p.B
	}
	return p.A
}

// Has reports whether u is a member of p.
func (p Pair) Has(u UserID) bool { return u == p.A || u == p.B }

// State is the relationship state of a pair.
type State int

const (
	StateNone State = iota
	StatePendingAB
	StatePendingBA
	StateFriends
	StateBlockedByA
	StateBlockedByB
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePendingAB:
		return "pending_ab"
	case StatePendingBA:
		return "pending_ba"
	case StateFriends:
		return "friends"
	case StateBlockedByA:
		return "blocked_by_a"
	case StateBlockedByB:
		return "blocked_by_b"
	}
	return "unknown"
}

// Row status values.
const (
	statusNone    = "none"
	statusPending = "pending"
	statusFriends = "friends"
	statusBlocked = "blocked"
)

// pendingFrom returns the state in which u is the initiator of a request.
func (p Pair) pendingFrom(u UserID) State {
	if u == p.A {
		return StatePendingAB
	}
	return StatePendingBA
}

// blockedBy returns the state in which u holds the block.
func (p Pair) blockedBy(u UserID) State {
	if u == p.A {
		return StateBlockedByA
	}
	return StateBlockedByB
}

// Edge is the single relationship record of a pair.
type Edge struct {
	Pair      Pair
	State     State
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Initiator returns the sender of a pending request.
func (e Edge) Initiator() (UserID, bool) {
	switch e.State {
	case StatePendingAB:
		return e.Pair.A, true
	case StatePendingBA:
		return e.Pair.B, true
	}
	return "", false
}

// Blocker returns the side holding the block that drives the edge state.
func (e Edge) Blocker() (UserID, bool) {
	switch e.State {
	case StateBlockedByA:
		return e.Pair.A, true
	case StateBlockedByB:
		return e.Pair.B, true
	}
	return "", false
}

// PendingFrom reports whether the edge is a pending request sent by u.
func (e Edge) PendingFrom(u UserID) bool {
	who, ok := e.Initiator()
	return ok && who == u
}

// BlockedBy reports whether the edge is blocked by u.
func (e Edge) BlockedBy(u UserID) bool {
	who, ok := e.Blocker()
	return ok && who == u
}

// IsPending reports whether the edge holds an unresolved request.
func (e Edge) IsPending() bool { return e.State == StatePendingAB || e.State == StatePendingBA }

// IsBlocked reports whether either side blocks the other.
func (e Edge) IsBlocked() bool { return e.State == StateBlockedByA || e.State == StateBlockedByB }

// status splits the state into its row columns.
func (e Edge) status() (string, UserID) {
	switch e.State {
	case StatePendingAB, StatePendingBA:
		who, _ := e.Initiator()
		return statusPending, who
	case StateFriends:
		return statusFriends, ""
	case StateBlockedByA, StateBlockedByB:
		who, _ := e.Blocker()
		return statusBlocked, who
	}
	return statusNone, ""
}

// stateFromRow rebuilds the domain state from row columns.
func stateFromRow(p Pair, status string, actor UserID) State {
	switch status {
	case statusPending:
		return p.pendingFrom(actor)
	case statusFriends:
		return StateFriends
	case statusBlocked:
		return p.blockedBy(actor)
	}
	return StateNone
}

// Op names a requested mutation.
type Op string

const (
	OpSend    Op = "send"
	OpAccept  Op = "accept"
	OpDecline Op = "decline"
	OpCancel  Op = "cancel"
	OpRemove  Op = "remove"
	OpBlock   Op = "block"
	OpUnblock Op = "unblock"
	OpReport  Op = "report"
)

// Idempotent reports whether a caller may blindly retry op with the same key.
func (op Op) Idempotent() bool {
	return op == OpRemove || op == OpBlock || op == OpUnblock
}

// Intent is one requested mutation by Actor against Other.
type Intent struct {
	Op     Op
	Actor  UserID
	Other  UserID
	Reason string
	// IdempotencyKey, when set, makes a retried call return the outcome
	// committed by the first one.
	IdempotencyKey string
}

// Outcome is the committed result of an intent.
type Outcome struct {
	Edge Edge
	// Op is the effective operation; a send answered by the other side's
	// pending request is committed as an accept.
	Op        Op
	WasFriend bool
	// Replayed is set when the outcome came from an idempotency record.
	Replayed bool
}

// EdgeChange describes a committed transition for subscribers.
type EdgeChange struct {
	Edge      Edge
	Prev      Edge
	Op        Op
	Actor     UserID
	At        time.Time
	WasFriend bool
	// NewBlock is set when the change created actor's block record. A
	// report against a user the actor already blocks leaves it unset.
	NewBlock bool
}

// BlockEntry is one row of a user's block list.
type BlockEntry struct {
	UserID    UserID
	Reason    string
	BlockedAt time.Time
}
