package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	recordPrefix = "presence:"
	alivePrefix  = "presence:alive:"
	onlineSet    = "presence:online"

	fieldLastSeen = "last_seen"
	fieldAnim     = "anim"
	fieldVersion  = "version"
)

func recordKey(u relation.UserID) string { return recordPrefix + string(u) }
func aliveKey(u relation.UserID) string  { return alivePrefix + string(u) }

// Record is a user's full presence as stored.
type Record struct {
	UserID   relation.UserID
	Online   bool
	LastSeen time.Time
	AnimID   *string
	Version  int64
}

// View is presence as one viewer may see it. Nil fields are hidden.
type View struct {
	UserID   relation.UserID `json:"user_id"`
	Online   *bool           `json:"online,omitempty"`
	LastSeen *time.Time      `json:"last_seen,omitempty"`
	AnimID   *string         `json:"anim_id,omitempty"`
	Version  int64           `json:"version"`
}

// Settings are the owner's presence privacy flags.
type Settings struct {
	ShowOnlineStatus bool `json:"show_online_status"`
	ShowLastSeen     bool `json:"show_last_seen"`
}

// DefaultSettings apply to users who never saved any.
var DefaultSettings = Settings{ShowOnlineStatus: true, ShowLastSeen: true}

// Relations answers friendship questions for presence filtering.
type Relations interface {
	FriendIDs(ctx context.Context, u relation.UserID) ([]relation.UserID, error)
	AreFriends(ctx context.Context, a, b relation.UserID) (bool, error)
}

// Publisher delivers a presence view to one user.
type Publisher interface {
	PublishPresence(ctx context.Context, to relation.UserID, v View) error
}

// Options tunes the Tracker.
type Options struct {
	// TTL is how long a session stays online without a heartbeat.
	TTL time.Duration
	// FanoutTimeout bounds one asynchronous fan-out to friends.
	FanoutTimeout time.Duration
}

// Tracker keeps per-user presence in the cache and pushes changes to friends.
type Tracker struct {
	cache  cache.Cache
	db     *gorm.DB
	rel    Relations
	pub    Publisher
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker. pub may be nil.
func NewTracker(c cache.Cache, db *gorm.DB, rel Relations, pub Publisher, opts Options, logger *zap.Logger) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 5 * time.Second
	}
	return &Tracker{
		cache:  c,
		db:     db,
		rel:    rel,
		pub:    pub,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Heartbeat marks u online and refreshes its liveness. Friends are only
// notified when u joins the online set or the animation changes.
func (t *Tracker) Heartbeat(ctx context.Context, u relation.UserID, animID *string) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}
	prev, err := t.stored(ctx, u)
	if err != nil {
		return Record{}, err
	}
	now := t.now()
	if err := t.cache.Set(ctx, aliveKey(u), "1", t.opts.TTL); err != nil {
		return Record{}, fmt.Errorf("presence: refresh liveness: %w", err)
	}
	fields := map[string]string{fieldLastSeen: strconv.FormatInt(now.UnixMilli(), 10)}
	if animID != nil {
		fields[fieldAnim] = *animID
	}
	if err := t.cache.HMSet(ctx, recordKey(u), fields); err != nil {
		return Record{}, fmt.Errorf("presence: write record: %w", err)
	}
	if animID == nil && prev.AnimID != nil {
		if err := t.cache.HDel(ctx, recordKey(u), fieldAnim); err != nil {
			return Record{}, fmt.Errorf("presence: clear animation: %w", err)
		}
	}
	// Set membership is the online flag. Only the caller whose SAdd
	// added u owns the online transition.
	added, err := t.cache.SAdd(ctx, onlineSet, string(u))
	if err != nil {
		return Record{}, fmt.Errorf("presence: add to online set: %w", err)
	}
	if added == 0 && sameAnim(prev.AnimID, animID) {
		return Record{UserID: u, Online: true, LastSeen: now, AnimID: animID, Version: prev.Version}, nil
	}
	rec, err := t.publish(ctx, u)
	if err != nil {
		return Record{}, err
	}
	t.logger.Debug("presence online", zap.String("user", string(u)), zap.Int64("version", rec.Version))
	return rec, nil
}

// SignOut marks u offline after a graceful sign-out.
func (t *Tracker) SignOut(ctx context.Context, u relation.UserID) (Record, error) {
	return t.markOffline(ctx, u)
}

// Disconnect marks u offline after its transport dropped.
func (t *Tracker) Disconnect(ctx context.Context, u relation.UserID) (Record, error) {
	return t.markOffline(ctx, u)
}

// Sweep marks offline every online user whose liveness expired. It returns
// how many users went offline.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	members, err := t.cache.SMembers(ctx, onlineSet)
	if err != nil {
		return 0, fmt.Errorf("presence: list online: %w", err)
	}
	n := 0
	for _, m := range members {
		u := relation.UserID(m)
		alive, err := t.cache.Exists(ctx, aliveKey(u))
		if err != nil {
			return n, fmt.Errorf("presence: check liveness: %w", err)
		}
		if alive {
			continue
		}
		expired, err := t.expire(ctx, u)
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	if n > 0 {
		t.logger.Info("presence sweep", zap.Int("offline", n))
	}
	return n, nil
}

func (t *Tracker) markOffline(ctx context.Context, u relation.UserID) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}
	if err := t.cache.Del(ctx, aliveKey(u)); err != nil {
		return Record{}, fmt.Errorf("presence: clear liveness: %w", err)
	}
	removed, err := t.cache.SRem(ctx, onlineSet, string(u))
	if err != nil {
		return Record{}, fmt.Errorf("presence: remove from online set: %w", err)
	}
	if removed == 0 {
		return t.stored(ctx, u)
	}
	return t.wentOffline(ctx, u, t.now())
}

// expire takes u out of the online set after its liveness lapsed. A
// heartbeat that lands between the liveness check and the removal puts u
// back without telling friends.
func (t *Tracker) expire(ctx context.Context, u relation.UserID) (bool, error) {
	removed, err := t.cache.SRem(ctx, onlineSet, string(u))
	if err != nil {
		return false, fmt.Errorf("presence: remove from online set: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	alive, err := t.cache.Exists(ctx, aliveKey(u))
	if err != nil {
		return false, fmt.Errorf("presence: check liveness: %w", err)
	}
	if alive {
		if _, err := t.cache.SAdd(ctx, onlineSet, string(u)); err != nil {
			return false, fmt.Errorf("presence: add to online set: %w", err)
		}
		return false, nil
	}
	rec, err := t.stored(ctx, u)
	if err != nil {
		return false, err
	}
	// The last heartbeat is the best estimate of when the user left.
	var leftAt time.Time
	if rec.LastSeen.IsZero() {
		leftAt = t.now()
	}
	if _, err := t.wentOffline(ctx, u, leftAt); err != nil {
		return false, err
	}
	return true, nil
}

// wentOffline stamps last seen when leftAt is set and publishes.
func (t *Tracker) wentOffline(ctx context.Context, u relation.UserID, leftAt time.Time) (Record, error) {
	if !leftAt.IsZero() {
		fields := map[string]string{fieldLastSeen: strconv.FormatInt(leftAt.UnixMilli(), 10)}
		if err := t.cache.HMSet(ctx, recordKey(u), fields); err != nil {
			return Record{}, fmt.Errorf("presence: write record: %w", err)
		}
	}
	rec, err := t.publish(ctx, u)
	if err != nil {
		return Record{}, err
	}
	t.logger.Debug("presence offline", zap.String("user", string(u)), zap.Int64("version", rec.Version))
	return rec, nil
}

// publish bumps u's version, then reads the record and fans it out. The
// read follows the bump, so the highest version a friend receives always
// reflects every transition that came before it.
func (t *Tracker) publish(ctx context.Context, u relation.UserID) (Record, error) {
	v, err := t.bump(ctx, u)
	if err != nil {
		return Record{}, err
	}
	rec, err := t.Get(ctx, u)
	if err != nil {
		return Record{}, err
	}
	rec.Version = v
	t.fanout(rec)
	return rec, nil
}

func (t *Tracker) bump(ctx context.Context, u relation.UserID) (int64, error) {
	v, err := t.cache.HIncrBy(ctx, recordKey(u), fieldVersion, 1)
	if err != nil {
		return 0, fmt.Errorf("presence: bump version: %w", err)
	}
	return v, nil
}

// Get returns u's record. A user whose liveness expired reads as offline
// even before the sweep catches up.
func (t *Tracker) Get(ctx context.Context, u relation.UserID) (Record, error) {
	rec, err := t.stored(ctx, u)
	if err != nil || !rec.Online {
		return rec, err
	}
	alive, err := t.cache.Exists(ctx, aliveKey(u))
	if err != nil {
		return Record{}, fmt.Errorf("presence: check liveness: %w", err)
	}
	rec.Online = alive
	return rec, nil
}

func (t *Tracker) stored(ctx context.Context, u relation.UserID) (Record, error) {
	h, err := t.cache.HGetAll(ctx, recordKey(u))
	if err != nil && !cache.IsNotFound(err) {
		return Record{}, fmt.Errorf("presence: read record: %w", err)
	}
	online, err := t.cache.SIsMember(ctx, onlineSet, string(u))
	if err != nil {
		return Record{}, fmt.Errorf("presence: check online set: %w", err)
	}
	rec := Record{UserID: u, Online: online}
	if ms, err := strconv.ParseInt(h[fieldLastSeen], 10, 64); err == nil && ms > 0 {
		rec.LastSeen = time.UnixMilli(ms)
	}
	if a, ok := h[fieldAnim]; ok {
		rec.AnimID = &a
	}
	rec.Version, _ = strconv.ParseInt(h[fieldVersion], 10, 64)
	return rec, nil
}

// PresenceOf returns owner's presence as viewer may see it. Owners see
// their full record, friends see what the owner's settings allow and
// everyone else sees nothing.
func (t *Tracker) PresenceOf(ctx context.Context, viewer, owner relation.UserID) (View, error) {
	if err := owner.Validate(); err != nil {
		return View{}, err
	}
	rec, err := t.Get(ctx, owner)
	if err != nil {
		return View{}, err
	}
	if viewer == owner {
		return redact(rec, DefaultSettings), nil
	}
	ok, err := t.rel.AreFriends(ctx, viewer, owner)
	if err != nil {
		return View{}, err
	}
	if !ok {
		return View{UserID: owner}, nil
	}
	s, err := t.Privacy(ctx, owner)
	if err != nil {
		return View{}, err
	}
	return redact(rec, s), nil
}

func redact(rec Record, s Settings) View {
	v := View{UserID: rec.UserID, Version: rec.Version}
	if s.ShowOnlineStatus {
		online := rec.Online
		v.Online = &online
		v.AnimID = rec.AnimID
	}
	if s.ShowLastSeen && !rec.LastSeen.IsZero() {
		ls := rec.LastSeen
		v.LastSeen = &ls
	}
	return v
}

// Privacy returns u's settings, defaulting to everything visible.
func (t *Tracker) Privacy(ctx context.Context, u relation.UserID) (Settings, error) {
	var row model.PrivacySettings
	err := t.db.WithContext(ctx).Where("user_id = ?", string(u)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultSettings, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("presence: load privacy: %w", err)
	}
	return Settings{ShowOnlineStatus: row.ShowOnlineStatus, ShowLastSeen: row.ShowLastSeen}, nil
}

// UpdatePrivacy saves u's settings and pushes the re-filtered view to friends.
func (t *Tracker) UpdatePrivacy(ctx context.Context, u relation.UserID, s Settings) (Settings, error) {
	if err := u.Validate(); err != nil {
		return Settings{}, err
	}
	row := model.PrivacySettings{
		UserID:           string(u),
		ShowOnlineStatus: s.ShowOnlineStatus,
		ShowLastSeen:     s.ShowLastSeen,
		UpdatedAt:        t.now(),
	}
	if err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"show_online_status", "show_last_seen", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return Settings{}, fmt.Errorf("presence: save privacy: %w", err)
	}

	// Friends drop views at or below the last version they saw.
	if _, err := t.publish(ctx, u); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// fanout pushes rec to every friend in the background. Each friend gets
// the view the owner's current settings allow.
func (t *Tracker) fanout(rec Record) {
	if t.pub == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.FanoutTimeout)
		defer cancel()

		friends, err := t.rel.FriendIDs(ctx, rec.UserID)
		if err != nil {
			t.logger.Warn("presence fanout: list friends failed",
				zap.String("user", string(rec.UserID)), zap.Error(err))
			return
		}
		if len(friends) == 0 {
			return
		}
		s, err := t.Privacy(ctx, rec.UserID)
		if err != nil {
			t.logger.Warn("presence fanout: load privacy failed",
				zap.String("user", string(rec.UserID)), zap.Error(err))
			return
		}
		view := redact(rec, s)
		for _, f := range friends {
			if err := t.pub.PublishPresence(ctx, f, view); err != nil {
				t.logger.Warn("presence fanout: publish failed",
					zap.String("user", string(rec.UserID)),
					zap.String("friend", string(f)),
					zap.Error(err))
			}
		}
	}()
}

// Close waits for in-flight fan-outs.
func (t *Tracker) Close() {
	t.wg.Wait()
}

func sameAnim(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// OnlineCount returns the size of the online set. Sessions that expired
// since the last sweep are still counted.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	n, err := t.cache.SCard(ctx, onlineSet)
	if err != nil {
		return 0, fmt.Errorf("presence: online count: %w", err)
	}
	return n, nil
}
