package relation

import "strings"

// View is what Decide needs to know about a pair, seen from an actor.
type View struct {
	Edge Edge
	// ActorBlocks is set when a block record actor→other exists.
	ActorBlocks bool
	// OtherBlocks is set when a block record other→actor exists.
	OtherBlocks bool
}

// Transition is the effect Decide wants committed.
type Transition struct {
	Op   Op
	Next State
	// NoOp means the intent already holds and nothing is written.
	NoOp        bool
	CreateBlock bool
	DeleteBlock bool
	// CreateReport carries the trimmed reason into a report record.
	CreateReport bool
	Reason       string
	WasFriend    bool
}

// Decide validates an intent against the current view and returns the
// transition to commit. It performs no I/O.
func Decide(in Intent, v View) (Transition, error) {
	actor, other := in.Actor, in.Other
	if actor == other {
		return Transition{}, ErrSelfRequest
	}
	e := v.Edge
	if !e.Pair.Has(actor) || !e.Pair.Has(other) {
		return Transition{}, ErrInvalidUserID
	}
	p := e.Pair

	switch in.Op {
	case OpSend:
		switch {
		case v.ActorBlocks || v.OtherBlocks || e.IsBlocked():
			return Transition{}, ErrBlocked
		case e.State == StateFriends:
			return Transition{}, ErrAlreadyFriends
		case e.PendingFrom(actor):
			return Transition{}, ErrRequestAlreadyPending
		case e.PendingFrom(other):
			// Both sides asked; the later send accepts the earlier one.
			return Transition{Op: OpAccept, Next: StateFriends}, nil
		}
		return Transition{Op: OpSend, Next: p.pendingFrom(actor)}, nil

	case OpAccept, OpDecline:
		switch {
		case e.PendingFrom(other):
			next := StateFriends
			if in.Op == OpDecline {
				next = StateNone
			}
			return Transition{Op: in.Op, Next: next}, nil
		case e.PendingFrom(actor):
			return Transition{}, ErrNotRecipient
		}
		return Transition{}, ErrNoPendingRequest

	case OpCancel:
		switch {
		case e.PendingFrom(actor):
			return Transition{Op: OpCancel, Next: StateNone}, nil
		case e.PendingFrom(other):
			return Transition{}, ErrNotInitiator
		}
		return Transition{}, ErrNoPendingRequest

	case OpRemove:
		if e.State != StateFriends {
			return Transition{}, ErrNoSuchFriendship
		}
		return Transition{Op: OpRemove, Next: StateNone, WasFriend: true}, nil

	case OpBlock:
		if v.ActorBlocks {
			return Transition{Op: OpBlock, Next: e.State, NoOp: true}, nil
		}
		return Transition{
			Op:          OpBlock,
			Next:        p.blockedBy(actor),
			CreateBlock: true,
			Reason:      strings.TrimSpace(in.Reason),
			WasFriend:   e.State == StateFriends,
		}, nil

	case OpUnblock:
		if !v.ActorBlocks {
			return Transition{}, ErrNotBlocked
		}
		next := StateNone
		if v.OtherBlocks {
			next = p.blockedBy(other)
		}
		return Transition{Op: OpUnblock, Next: next, DeleteBlock: true}, nil

	case OpReport:
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			return Transition{}, ErrInvalidReason
		}
		t := Transition{Op: OpReport, CreateReport: true, Reason: reason}
		if v.ActorBlocks {
			// The block already exists; only the report is new.
			t.Next = e.State
			return t, nil
		}
		t.Next = p.blockedBy(actor)
		t.CreateBlock = true
		t.WasFriend = e.State == StateFriends
		return t, nil
	}
	return Transition{}, ErrUnknownOp
}
