package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

var errClosed = errors.New("gateway: subscription closed")

// Kind names a normalized event.
type Kind string

const (
	EventSnapshot        Kind = "snapshot"
	EventRequestReceived Kind = "request_received"
	EventRequestSent     Kind = "request_sent"
	EventRequestAccepted Kind = "request_accepted"
	EventRequestDeclined Kind = "request_declined"
	EventRequestCanceled Kind = "request_canceled"
	EventFriendRemoved   Kind = "friend_removed"
	EventBlocked         Kind = "blocked"
	EventUnblocked       Kind = "unblocked"
	EventPresenceChanged Kind = "presence_changed"
)

// Event is one change as seen by a subscriber. UserID is the other party.
type Event struct {
	Kind      Kind            `json:"kind"`
	UserID    relation.UserID `json:"user_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	WasFriend bool            `json:"was_friend,omitempty"`
	Presence  *presence.View  `json:"presence,omitempty"`
	Snapshot  *Snapshot       `json:"snapshot,omitempty"`
	At        time.Time       `json:"at"`
}

// Snapshot is the complete projection state of one user.
type Snapshot struct {
	Friends  []relation.UserID `json:"friends"`
	Incoming []relation.UserID `json:"incoming"`
	Outgoing []relation.UserID `json:"outgoing"`
	Blocked  []relation.UserID `json:"blocked"`
	Presence []presence.View   `json:"presence"`
	// Versions maps each counterpart to its edge version.
	Versions map[relation.UserID]int64 `json:"versions"`
}

// Relations is the read side of the relationship service.
type Relations interface {
	ListEdges(ctx context.Context, u relation.UserID) ([]relation.Edge, error)
	ListBlocked(ctx context.Context, u relation.UserID) ([]relation.BlockEntry, error)
}

// Presence reads redacted presence views.
type Presence interface {
	PresenceOf(ctx context.Context, viewer, owner relation.UserID) (presence.View, error)
}

// Gateway hands out per-user subscriptions.
type Gateway struct {
	ps     cache.PubSub
	rel    Relations
	pres   Presence
	buffer int
	logger *zap.Logger
}

// New creates a Gateway. buffer sizes each subscription's event queue.
func New(ps cache.PubSub, rel Relations, pres Presence, buffer int, logger *zap.Logger) *Gateway {
	if buffer <= 0 {
		buffer = 64
	}
	return &Gateway{ps: ps, rel: rel, pres: pres, buffer: buffer, logger: logger}
}

// resyncTimeout bounds resubscribing and re-reading a snapshot after the
// subscription fell behind.
const resyncTimeout = 10 * time.Second

// Subscription streams a snapshot followed by incremental events. When it
// falls behind the pub/sub stream it resubscribes and sends a fresh
// snapshot in place of the events it missed.
type Subscription struct {
	user   relation.UserID
	gw     *Gateway
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	cancel func()
	err    error

	edgeSeen     map[string]int64
	presenceSeen map[relation.UserID]int64
}

// Subscribe listens on u's channel before reading the snapshot, so nothing
// committed after the snapshot is lost; anything already in the snapshot
// is dropped by version.
func (g *Gateway) Subscribe(ctx context.Context, u relation.UserID) (*Subscription, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	msgs, cancel, err := g.ps.Subscribe(ctx, Channel(u))
	if err != nil {
		return nil, fmt.Errorf("gateway: subscribe: %w", err)
	}
	s := &Subscription{
		user:         u,
		gw:           g,
		events:       make(chan Event, g.buffer+1),
		done:         make(chan struct{}),
		cancel:       cancel,
		edgeSeen:     make(map[string]int64),
		presenceSeen: make(map[relation.UserID]int64),
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		cancel()
		go drain(msgs)
		return nil, err
	}
	s.events <- Event{Kind: EventSnapshot, Snapshot: snap, At: time.Now()}
	go s.run(msgs)
	return s, nil
}

func (s *Subscription) snapshot(ctx context.Context) (*Snapshot, error) {
	edges, err := s.gw.rel.ListEdges(ctx, s.user)
	if err != nil {
		return nil, err
	}
	blocked, err := s.gw.rel.ListBlocked(ctx, s.user)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Friends:  []relation.UserID{},
		Incoming: []relation.UserID{},
		Outgoing: []relation.UserID{},
		Blocked:  make([]relation.UserID, 0, len(blocked)),
		Presence: []presence.View{},
		Versions: make(map[relation.UserID]int64, len(edges)),
	}
	for _, e := range edges {
		other := e.Pair.Other(s.user)
		s.edgeSeen[e.Pair.Key()] = e.Version
		snap.Versions[other] = e.Version
		switch {
		case e.State == relation.StateFriends:
			snap.Friends = append(snap.Friends, other)
		case e.PendingFrom(s.user):
			snap.Outgoing = append(snap.Outgoing, other)
		case e.PendingFrom(other):
			snap.Incoming = append(snap.Incoming, other)
		}
	}
	for _, b := range blocked {
		snap.Blocked = append(snap.Blocked, b.UserID)
	}
	for _, f := range snap.Friends {
		v, err := s.gw.pres.PresenceOf(ctx, s.user, f)
		if err != nil {
			return nil, err
		}
		s.presenceSeen[f] = v.Version
		snap.Presence = append(snap.Presence, v)
	}
	return snap, nil
}

// Events returns the event stream. The first event is always the snapshot.
// The channel is closed after Close or when a resync fails; Err tells the
// two apart.
func (s *Subscription) Events() <-chan Event { return s.events }

// User returns the subscribed user.
func (s *Subscription) User() relation.UserID { return s.user }

// Err returns why the stream ended on its own, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

func (s *Subscription) run(msgs <-chan *cache.Message) {
	defer close(s.events)
	defer func() { drain(msgs) }()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				next, snap, err := s.resync()
				if next != nil {
					msgs = next
				}
				if err != nil {
					s.fail(err)
					return
				}
				if !s.emit(Event{Kind: EventSnapshot, Snapshot: snap, At: time.Now()}) {
					return
				}
				continue
			}
			for _, ev := range s.handle(m.Payload) {
				if !s.emit(ev) {
					return
				}
			}
		}
	}
}

func (s *Subscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// resync replaces a pub/sub stream that was cut off. It listens again
// before re-reading the snapshot, like Subscribe, and forgets every version
// seen so far since the new snapshot supersedes them.
func (s *Subscription) resync() (<-chan *cache.Message, *Snapshot, error) {
	select {
	case <-s.done:
		return nil, nil, errClosed
	default:
	}
	s.gw.logger.Warn("gateway: subscriber fell behind, resyncing", zap.String("user", string(s.user)))
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	msgs, stop, err := s.gw.ps.Subscribe(ctx, Channel(s.user))
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: resubscribe: %w", err)
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		stop()
		return msgs, nil, errClosed
	default:
	}
	s.cancel = stop
	s.mu.Unlock()

	s.edgeSeen = make(map[string]int64)
	s.presenceSeen = make(map[relation.UserID]int64)
	snap, err := s.snapshot(ctx)
	if err != nil {
		return msgs, nil, fmt.Errorf("gateway: resync snapshot: %w", err)
	}
	return msgs, snap, nil
}

// fail records why the stream ended and releases the pub/sub stream.
func (s *Subscription) fail(err error) {
	if errors.Is(err, errClosed) {
		return
	}
	s.gw.logger.Warn("gateway: resync failed", zap.String("user", string(s.user)), zap.Error(err))
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func drain(msgs <-chan *cache.Message) {
	for range msgs {
	}
}

func (s *Subscription) handle(payload string) []Event {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		s.gw.logger.Warn("gateway: bad message", zap.String("user", string(s.user)), zap.Error(err))
		return nil
	}
	switch m.Type {
	case msgEdge:
		if m.Edge != nil {
			return s.edgeEvents(m.Edge)
		}
	case msgPresence:
		if m.Presence != nil && s.acceptPresence(*m.Presence) {
			v := *m.Presence
			return []Event{{Kind: EventPresenceChanged, UserID: v.UserID, Version: v.Version, Presence: &v, At: time.Now()}}
		}
	}
	return nil
}

func (s *Subscription) acceptPresence(v presence.View) bool {
	if v.Version <= s.presenceSeen[v.UserID] {
		return false
	}
	s.presenceSeen[v.UserID] = v.Version
	return true
}

func (s *Subscription) edgeEvents(m *edgeMessage) []Event {
	p := m.pair()
	if !p.Has(s.user) {
		return nil
	}
	key := p.Key()
	if m.Version <= s.edgeSeen[key] {
		return nil
	}
	s.edgeSeen[key] = m.Version

	kind, ok := normalize(m, s.user)
	if !ok {
		return nil
	}
	other := p.Other(s.user)
	ev := Event{Kind: kind, UserID: other, Version: m.Version, At: m.At}
	if kind == EventFriendRemoved || kind == EventBlocked {
		ev.WasFriend = m.WasFriend
	}
	out := []Event{ev}

	if kind == EventRequestAccepted && s.gw.pres != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := s.gw.pres.PresenceOf(ctx, s.user, other)
		if err != nil {
			s.gw.logger.Warn("gateway: presence of new friend",
				zap.String("user", string(s.user)), zap.Error(err))
		} else if s.acceptPresenceAtLeast(v) {
			out = append(out, Event{Kind: EventPresenceChanged, UserID: other, Version: v.Version, Presence: &v, At: time.Now()})
		}
	}
	return out
}

// acceptPresenceAtLeast admits a freshly read view even when its version
// equals one seen earlier, since visibility changes with the friendship.
func (s *Subscription) acceptPresenceAtLeast(v presence.View) bool {
	if v.Version < s.presenceSeen[v.UserID] {
		return false
	}
	s.presenceSeen[v.UserID] = v.Version
	return true
}

// normalize maps an edge change onto the event kind u should see. A blocked
// user is never told about the block itself, and nobody hears about a
// report that added no block.
func normalize(m *edgeMessage, u relation.UserID) (Kind, bool) {
	actor := m.Actor == u
	prev := relation.Edge{Pair: m.pair(), State: m.PrevState}
	switch m.Op {
	case relation.OpSend:
		if actor {
			return EventRequestSent, true
		}
		return EventRequestReceived, true
	case relation.OpAccept:
		return EventRequestAccepted, true
	case relation.OpDecline:
		return EventRequestDeclined, true
	case relation.OpCancel:
		return EventRequestCanceled, true
	case relation.OpRemove:
		return EventFriendRemoved, true
	case relation.OpBlock, relation.OpReport:
		if !m.NewBlock {
			// A report on a pair the reporter already blocks.
			return "", false
		}
		if actor {
			return EventBlocked, true
		}
		switch {
		case prev.State == relation.StateFriends:
			return EventFriendRemoved, true
		case prev.PendingFrom(u):
			return EventRequestDeclined, true
		case prev.IsPending():
			return EventRequestCanceled, true
		}
		return "", false
	case relation.OpUnblock:
		if actor {
			return EventUnblocked, true
		}
		return "", false
	}
	return "", false
}
