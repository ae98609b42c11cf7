package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/social/relation"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	to   relation.UserID
	view View
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sent
}

func (p *recordingPublisher) PublishPresence(_ context.Context, to relation.UserID, v View) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{to: to, view: v})
	return nil
}

func (p *recordingPublisher) to(u relation.UserID) []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []View
	for _, s := range p.sent {
		if s.to == u {
			out = append(out, s.view)
		}
	}
	return out
}

type fixture struct {
	tracker *Tracker
	rel     *relation.Service
	pub     *recordingPublisher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	rel := relation.NewService(relation.NewStore(db), nil, nil, relation.Options{}, zap.NewNop())
	pub := &recordingPublisher{}
	tr := NewTracker(c, db, rel, pub, opts, zap.NewNop())
	t.Cleanup(tr.Close)
	return &fixture{tracker: tr, rel: rel, pub: pub}
}

func (f *fixture) befriend(t *testing.T, a, b relation.UserID) {
	t.Helper()
	ctx := context.Background()
	_, err := f.rel.SendRequest(ctx, a, b)
	require.NoError(t, err)
	_, err = f.rel.AcceptRequest(ctx, b, a)
	require.NoError(t, err)
}

func strp(s string) *string { return &s }

// latest returns the highest-versioned view, the one a deduplicating
// subscriber ends up holding.
func latest(views []View) View {
	var top View
	for _, v := range views {
		if v.Version > top.Version {
			top = v
		}
	}
	return top
}

func TestHeartbeat_GoesOnlineAndNotifiesFriends(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	rec, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	assert.True(t, rec.Online)
	assert.Equal(t, int64(1), rec.Version)

	f.tracker.Close()
	views := f.pub.to("bob")
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Online)
	assert.True(t, *views[0].Online)
	assert.Equal(t, int64(1), views[0].Version)
	// Non-friends hear nothing.
	assert.Empty(t, f.pub.to("carol"))
}

func TestHeartbeat_PublishesOnlyOnChange(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "alice", strp("wave"))
	require.NoError(t, err)
	_, err = f.tracker.Heartbeat(ctx, "alice", strp("wave"))
	require.NoError(t, err)
	f.tracker.Close()
	assert.Len(t, f.pub.to("bob"), 1)

	rec, err := f.tracker.Heartbeat(ctx, "alice", strp("dance"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	f.tracker.Close()
	views := f.pub.to("bob")
	require.Len(t, views, 2)
	assert.Equal(t, "dance", *views[1].AnimID)

	// Dropping the animation is a change too.
	rec, err = f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Nil(t, rec.AnimID)
	got, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got.AnimID)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	f.tracker.Close()
	rec, err := f.tracker.SignOut(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.False(t, rec.LastSeen.IsZero())
	assert.Equal(t, int64(2), rec.Version)

	// Signing out twice changes nothing.
	again, err := f.tracker.SignOut(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)

	f.tracker.Close()
	views := f.pub.to("bob")
	require.Len(t, views, 2)
	assert.False(t, *views[1].Online)
}

func TestSweep_ExpiredSessionGoesOffline(t *testing.T) {
	f := newFixture(t, Options{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	first, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)

	n, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	// Last seen stays at the final heartbeat.
	assert.Equal(t, first.LastSeen.UnixMilli(), rec.LastSeen.UnixMilli())

	rec, err = f.tracker.Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, rec.Online)

	n, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresenceOf_RedactsLastSeen(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)
	_, err = f.tracker.SignOut(ctx, "bob")
	require.NoError(t, err)
	_, err = f.tracker.UpdatePrivacy(ctx, "bob", Settings{ShowOnlineStatus: true, ShowLastSeen: false})
	require.NoError(t, err)

	stored, err := f.tracker.Get(ctx, "bob")
	require.NoError(t, err)
	require.False(t, stored.LastSeen.IsZero())

	v, err := f.tracker.PresenceOf(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, v.LastSeen)
	require.NotNil(t, v.Online)
	assert.False(t, *v.Online)

	// The owner still sees everything.
	v, err = f.tracker.PresenceOf(ctx, "bob", "bob")
	require.NoError(t, err)
	assert.NotNil(t, v.LastSeen)
}

func TestPresenceOf_HidesOnlineStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "bob", strp("wave"))
	require.NoError(t, err)
	_, err = f.tracker.UpdatePrivacy(ctx, "bob", Settings{ShowOnlineStatus: false, ShowLastSeen: true})
	require.NoError(t, err)

	v, err := f.tracker.PresenceOf(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, v.Online)
	assert.Nil(t, v.AnimID)
	assert.NotNil(t, v.LastSeen)
}

func TestPresenceOf_NonFriendSeesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "bob", nil)
	require.NoError(t, err)
	v, err := f.tracker.PresenceOf(ctx, "mallory", "bob")
	require.NoError(t, err)
	assert.Equal(t, View{UserID: "bob"}, v)
}

func TestPrivacy_DefaultAndUpdate(t *testing.T) {
	f := newFixture(t, Options{})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	s, err := f.tracker.Privacy(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings, s)

	_, err = f.tracker.UpdatePrivacy(ctx, "bob", Settings{ShowOnlineStatus: false, ShowLastSeen: false})
	require.NoError(t, err)
	f.tracker.Close()
	_, err = f.tracker.UpdatePrivacy(ctx, "bob", Settings{ShowOnlineStatus: true, ShowLastSeen: false})
	require.NoError(t, err)
	s, err = f.tracker.Privacy(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, Settings{ShowOnlineStatus: true, ShowLastSeen: false}, s)

	f.tracker.Close()
	views := f.pub.to("alice")
	require.Len(t, views, 2)
	assert.Nil(t, views[0].Online)
	assert.NotNil(t, views[1].Online)
	assert.Greater(t, views[1].Version, views[0].Version)
}

func TestHeartbeat_RacingDisconnectConverges(t *testing.T) {
	f := newFixture(t, Options{TTL: 30 * time.Millisecond})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)

	// The transport drops while the next heartbeat is in flight.
	raced := false
	f.tracker.now = func() time.Time {
		if !raced {
			raced = true
			_, err := f.tracker.Disconnect(ctx, "alice")
			require.NoError(t, err)
		}
		return time.Now()
	}
	rec, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	require.True(t, raced)
	assert.True(t, rec.Online)

	f.tracker.Close()
	top := latest(f.pub.to("bob"))
	assert.Equal(t, int64(3), top.Version)
	require.NotNil(t, top.Online)
	assert.True(t, *top.Online)
	n, err := f.tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Without further heartbeats the sweep still takes alice offline.
	time.Sleep(60 * time.Millisecond)
	swept, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	f.tracker.Close()
	top = latest(f.pub.to("bob"))
	require.NotNil(t, top.Online)
	assert.False(t, *top.Online)
}

func TestSweep_HeartbeatAfterLivenessCheckStaysOnline(t *testing.T) {
	f := newFixture(t, Options{TTL: 20 * time.Millisecond})
	f.befriend(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.tracker.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	f.tracker.Close()
	before := len(f.pub.to("bob"))

	// Liveness lapsed, then a heartbeat refreshed it before the removal.
	require.NoError(t, f.tracker.cache.Set(ctx, aliveKey("alice"), "1", time.Minute))
	expired, err := f.tracker.expire(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, expired)

	rec, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Online)
	f.tracker.Close()
	assert.Len(t, f.pub.to("bob"), before)
}

type failingDel struct {
	cache.Cache
}

func (failingDel) Del(context.Context, ...string) error {
	return errors.New("cache unavailable")
}

func TestDisconnect_LivenessClearFailureKeepsUserOnline(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	rel := relation.NewService(relation.NewStore(db), nil, nil, relation.Options{}, zap.NewNop())
	pub := &recordingPublisher{}
	tr := NewTracker(failingDel{c}, db, rel, pub, Options{}, zap.NewNop())
	t.Cleanup(tr.Close)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = tr.Disconnect(ctx, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear liveness")

	// Nothing half-applied: alice is still online and in the set.
	rec, err := tr.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Online)
	assert.Equal(t, int64(1), rec.Version)
	n, err := tr.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
