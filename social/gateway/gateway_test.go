package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	gw      *Gateway
	pub     *Publisher
	rel     *relation.Service
	tracker *presence.Tracker
}

func newFixture(t *testing.T) *fixture {
	return newSizedFixture(t, 0, 16)
}

// newSizedFixture sizes the pub/sub buffers (0 for the default) and each
// subscription's event queue.
func newSizedFixture(t *testing.T, pubsubBuf, eventBuf int) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	ps, err := cache.NewPubSub(cache.CacheConfig{LocalPubSubBuf: pubsubBuf})
	require.NoError(t, err)
	logger := zap.NewNop()
	pub := NewPublisher(ps, 3, time.Millisecond, logger)
	rel := relation.NewService(relation.NewStore(db), pub, nil, relation.Options{}, logger)
	tracker := presence.NewTracker(c, db, rel, pub, presence.Options{}, logger)
	t.Cleanup(tracker.Close)
	return &fixture{
		gw:      New(ps, rel, tracker, eventBuf, logger),
		pub:     pub,
		rel:     rel,
		tracker: tracker,
	}
}

func (f *fixture) subscribe(t *testing.T, u relation.UserID) *Subscription {
	t.Helper()
	sub, err := f.gw.Subscribe(context.Background(), u)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_SnapshotFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rel.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.rel.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)
	_, err = f.rel.SendRequest(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = f.rel.SendRequest(ctx, "alice", "erin")
	require.NoError(t, err)
	_, err = f.rel.BlockUser(ctx, "alice", "dave", "", "")
	require.NoError(t, err)
	_, err = f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)

	sub := f.subscribe(t, "alice")
	ev := next(t, sub)
	require.Equal(t, EventSnapshot, ev.Kind)
	snap := ev.Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, []relation.UserID{"bob"}, snap.Friends)
	assert.Equal(t, []relation.UserID{"carol"}, snap.Incoming)
	assert.Equal(t, []relation.UserID{"erin"}, snap.Outgoing)
	assert.Equal(t, []relation.UserID{"dave"}, snap.Blocked)
	assert.Equal(t, int64(2), snap.Versions["bob"])
	require.Len(t, snap.Presence, 1)
	require.NotNil(t, snap.Presence[0].Online)
	assert.True(t, *snap.Presence[0].Online)
}

func TestSubscribe_RequestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.subscribe(t, "alice")
	bob := f.subscribe(t, "bob")
	require.Equal(t, EventSnapshot, next(t, alice).Kind)
	require.Equal(t, EventSnapshot, next(t, bob).Kind)

	_, err := f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)
	f.tracker.Close()
	_, err = f.rel.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	ev := next(t, alice)
	assert.Equal(t, EventRequestSent, ev.Kind)
	assert.Equal(t, relation.UserID("bob"), ev.UserID)
	ev = next(t, bob)
	assert.Equal(t, EventRequestReceived, ev.Kind)
	assert.Equal(t, relation.UserID("alice"), ev.UserID)

	_, err = f.rel.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)

	ev = next(t, alice)
	assert.Equal(t, EventRequestAccepted, ev.Kind)
	assert.Equal(t, int64(2), ev.Version)
	// The new friend's presence follows the acceptance.
	ev = next(t, alice)
	assert.Equal(t, EventPresenceChanged, ev.Kind)
	assert.Equal(t, relation.UserID("bob"), ev.UserID)
	require.NotNil(t, ev.Presence.Online)
	assert.True(t, *ev.Presence.Online)

	ev = next(t, bob)
	assert.Equal(t, EventRequestAccepted, ev.Kind)
}

func TestSubscribe_DuplicatesDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, "bob")
	require.Equal(t, EventSnapshot, next(t, sub).Kind)

	ch := relation.EdgeChange{
		Edge:  relation.Edge{Pair: relation.Pair{A: "alice", B: "bob"}, State: relation.StatePendingAB, Version: 1},
		Op:    relation.OpSend,
		Actor: "alice",
		At:    time.Now(),
	}
	require.NoError(t, f.pub.PublishEdge(ctx, ch))
	require.NoError(t, f.pub.PublishEdge(ctx, ch))

	assert.Equal(t, EventRequestReceived, next(t, sub).Kind)
	expectQuiet(t, sub)
}

func TestSubscribe_SnapshotVersionsSuppressReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.rel.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	sub := f.subscribe(t, "bob")
	require.Equal(t, EventSnapshot, next(t, sub).Kind)

	// A late copy of a change already folded into the snapshot.
	require.NoError(t, f.pub.PublishEdge(ctx, relation.EdgeChange{
		Edge: out.Edge, Op: relation.OpSend, Actor: "alice", At: time.Now(),
	}))
	expectQuiet(t, sub)
}

func TestSubscribe_BlockedPartyNeverSeesBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rel.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.rel.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)

	alice := f.subscribe(t, "alice")
	bob := f.subscribe(t, "bob")
	next(t, alice)
	next(t, bob)

	_, err = f.rel.BlockUser(ctx, "alice", "bob", "", "")
	require.NoError(t, err)

	ev := next(t, alice)
	assert.Equal(t, EventBlocked, ev.Kind)
	assert.True(t, ev.WasFriend)
	ev = next(t, bob)
	assert.Equal(t, EventFriendRemoved, ev.Kind)
	assert.True(t, ev.WasFriend)

	_, err = f.rel.UnblockUser(ctx, "alice", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, EventUnblocked, next(t, alice).Kind)
	expectQuiet(t, bob)
}

func TestSubscribe_PresenceChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rel.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.rel.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)

	sub := f.subscribe(t, "bob")
	next(t, sub)

	_, err = f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	f.tracker.Close()
	ev := next(t, sub)
	assert.Equal(t, EventPresenceChanged, ev.Kind)
	assert.Equal(t, relation.UserID("alice"), ev.UserID)
	require.NotNil(t, ev.Presence.Online)
	assert.True(t, *ev.Presence.Online)

	_, err = f.tracker.SignOut(ctx, "alice")
	require.NoError(t, err)
	ev = next(t, sub)
	assert.False(t, *ev.Presence.Online)
	assert.NotNil(t, ev.Presence.LastSeen)
}

func TestSubscribe_StalledSubscriberResyncs(t *testing.T) {
	f := newSizedFixture(t, 4, 4)
	ctx := context.Background()
	bob := f.subscribe(t, "bob")
	require.Equal(t, EventSnapshot, next(t, bob).Kind)

	// bob stops reading while far more requests arrive than fit in the
	// buffers between the channel and the event queue.
	const senders = 60
	for i := 0; i < senders; i++ {
		_, err := f.rel.SendRequest(ctx, relation.UserID(fmt.Sprintf("u%04d", i)), "bob")
		require.NoError(t, err)
	}

	received := 0
	var resync *Snapshot
	for resync == nil {
		ev := next(t, bob)
		switch ev.Kind {
		case EventRequestReceived:
			received++
		case EventSnapshot:
			resync = ev.Snapshot
		}
	}
	assert.Less(t, received, senders)
	assert.Len(t, resync.Incoming, senders)
	assert.Len(t, resync.Versions, senders)

	// The replacement stream keeps delivering.
	_, err := f.rel.SendRequest(ctx, "late", "bob")
	require.NoError(t, err)
	ev := next(t, bob)
	assert.Equal(t, EventRequestReceived, ev.Kind)
	assert.Equal(t, relation.UserID("late"), ev.UserID)
	assert.NoError(t, bob.Err())
}

func TestSubscribe_ReportOnBlockedPairIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.subscribe(t, "alice")
	bob := f.subscribe(t, "bob")
	next(t, alice)
	next(t, bob)

	_, err := f.rel.BlockUser(ctx, "alice", "bob", "", "")
	require.NoError(t, err)
	ev := next(t, alice)
	assert.Equal(t, EventBlocked, ev.Kind)
	assert.Equal(t, int64(1), ev.Version)

	out, err := f.rel.ReportUser(ctx, "alice", "bob", "spam")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Edge.Version)
	expectQuiet(t, alice)
	expectQuiet(t, bob)
}

func TestSubscription_Close(t *testing.T) {
	f := newFixture(t)
	sub, err := f.gw.Subscribe(context.Background(), "alice")
	require.NoError(t, err)
	next(t, sub)
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events not closed")
	}
}

func TestSubscribe_InvalidUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, relation.ErrInvalidUserID)
}

func TestNormalize(t *testing.T) {
	pair := relation.Pair{A: "alice", B: "bob"}
	msg := func(op relation.Op, actor relation.UserID, prev relation.State) *edgeMessage {
		m := &edgeMessage{UserA: pair.A, UserB: pair.B, Op: op, Actor: actor, PrevState: prev}
		m.NewBlock = op == relation.OpBlock || op == relation.OpReport
		return m
	}
	reblock := func(actor relation.UserID, prev relation.State) *edgeMessage {
		m := msg(relation.OpReport, actor, prev)
		m.NewBlock = false
		return m
	}
	tests := []struct {
		name string
		m    *edgeMessage
		user relation.UserID
		want Kind
		ok   bool
	}{
		{"decline seen by sender", msg(relation.OpDecline, "bob", relation.StatePendingAB), "alice", EventRequestDeclined, true},
		{"cancel seen by recipient", msg(relation.OpCancel, "alice", relation.StatePendingAB), "bob", EventRequestCanceled, true},
		{"remove", msg(relation.OpRemove, "alice", relation.StateFriends), "bob", EventFriendRemoved, true},
		{"block of requester declines", msg(relation.OpBlock, "bob", relation.StatePendingAB), "alice", EventRequestDeclined, true},
		{"block by requester cancels", msg(relation.OpBlock, "alice", relation.StatePendingAB), "bob", EventRequestCanceled, true},
		{"block of stranger is silent", msg(relation.OpBlock, "alice", relation.StateNone), "bob", "", false},
		{"report seen by reporter", msg(relation.OpReport, "alice", relation.StateNone), "alice", EventBlocked, true},
		{"report on existing block is silent for reporter", reblock("alice", relation.StateBlockedByA), "alice", "", false},
		{"report on existing block is silent for reported", reblock("alice", relation.StateBlockedByA), "bob", "", false},
		{"report after mutual block is silent", reblock("bob", relation.StateBlockedByA), "bob", "", false},
		{"unblock is silent for the other side", msg(relation.OpUnblock, "alice", relation.StateBlockedByA), "bob", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalize(tt.m, tt.user)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type flakyPubSub struct {
	cache.PubSub
	failures int32
	calls    int32
}

func (p *flakyPubSub) Publish(ctx context.Context, channel, message string) error {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= atomic.LoadInt32(&p.failures) {
		return errors.New("unavailable")
	}
	return p.PubSub.Publish(ctx, channel, message)
}

func TestPublisher_Retries(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	flaky := &flakyPubSub{PubSub: ps, failures: 2}
	pub := NewPublisher(flaky, 3, time.Millisecond, zap.NewNop())

	require.NoError(t, pub.PublishPresence(context.Background(), "bob", presence.View{UserID: "alice", Version: 1}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))

	flaky.calls = 0
	flaky.failures = 5
	err := pub.PublishPresence(context.Background(), "bob", presence.View{UserID: "alice", Version: 2})
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}
