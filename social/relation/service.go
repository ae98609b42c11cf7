package relation

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kasuganosora/friendsync/audit"
	"go.uber.org/zap"
)

// Publisher receives every committed edge change.
type Publisher interface {
	PublishEdge(ctx context.Context, ch EdgeChange) error
}

// Auditor records accepted and rejected mutations.
type Auditor interface {
	Log(entry audit.Entry)
}

// Options tunes the Service.
type Options struct {
	OpTimeout    time.Duration
	MaxRetries   int
	MaxReasonLen int
}

func (o *Options) setDefaults() {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.MaxReasonLen <= 0 {
		o.MaxReasonLen = 500
	}
}

// Service applies relationship intents with optimistic concurrency and
// serves the read-only projections.
type Service struct {
	store  *Store
	pub    Publisher
	audit  Auditor
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service. pub and aud may be nil.
func NewService(store *Store, pub Publisher, aud Auditor, opts Options, logger *zap.Logger) *Service {
	opts.setDefaults()
	return &Service{
		store:  store,
		pub:    pub,
		audit:  aud,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Store exposes the underlying store for moderation and maintenance.
func (s *Service) Store() *Store { return s.store }

// Apply commits in. A lost version race is resolved by re-reading the
// edge and deciding again, so a send that crosses the other side's send
// ends as friends instead of failing.
func (s *Service) Apply(ctx context.Context, in Intent) (Outcome, error) {
	start := time.Now()
	out, err := s.apply(ctx, in)
	s.record(ctx, in, out, err, time.Since(start))
	return out, err
}

func (s *Service) apply(ctx context.Context, in Intent) (Outcome, error) {
	pair, err := NewPair(in.Actor, in.Other)
	if err != nil {
		return Outcome{}, err
	}
	if utf8.RuneCountInString(in.Reason) > s.opts.MaxReasonLen {
		return Outcome{}, ErrInvalidReason
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var recKey string
	if in.IdempotencyKey != "" {
		recKey = IdempotencyRecordKey(in.Actor, in.Op, in.Other, in.IdempotencyKey)
	}

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, s.storeErr(ctx, err)
		}
		if recKey != "" {
			out, ok, err := s.store.LookupIdempotency(ctx, recKey)
			if err != nil {
				return Outcome{}, s.storeErr(ctx, err)
			}
			if ok {
				return out, nil
			}
		}

		view, err := s.store.Load(ctx, pair, in.Actor)
		if err != nil {
			return Outcome{}, s.storeErr(ctx, err)
		}
		t, err := Decide(in, view)
		if err != nil {
			return Outcome{}, err
		}
		if t.NoOp {
			return Outcome{Edge: view.Edge, Op: t.Op}, nil
		}

		now := s.now()
		edge, err := s.store.Commit(ctx, Mutation{
			Pair:           pair,
			Actor:          in.Actor,
			Expected:       view.Edge.Version,
			Next:           t.Next,
			Op:             t.Op,
			CreateBlock:    t.CreateBlock,
			DeleteBlock:    t.DeleteBlock,
			CreateReport:   t.CreateReport,
			Reason:         t.Reason,
			WasFriend:      t.WasFriend,
			IdempotencyKey: recKey,
			At:             now,
		})
		if errors.Is(err, ErrConflict) {
			s.logger.Debug("relation version conflict, retrying",
				zap.String("pair", pair.Key()),
				zap.String("op", string(in.Op)),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return Outcome{}, s.storeErr(ctx, err)
		}

		s.publish(ctx, EdgeChange{
			Edge:      edge,
			Prev:      view.Edge,
			Op:        t.Op,
			Actor:     in.Actor,
			At:        now,
			WasFriend: t.WasFriend,
			NewBlock:  t.CreateBlock,
		})
		return Outcome{Edge: edge, Op: t.Op, WasFriend: t.WasFriend}, nil
	}
	s.logger.Warn("relation retries exhausted",
		zap.String("pair", pair.Key()), zap.String("op", string(in.Op)))
	return Outcome{}, fmt.Errorf("%w: too many concurrent updates", ErrTransientStore)
}

// storeErr maps a storage or context failure onto the retryable errors.
func (s *Service) storeErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// publish delivers a committed change. The commit stands even if delivery
// fails; subscribers recover on their next snapshot.
func (s *Service) publish(ctx context.Context, ch EdgeChange) {
	if s.pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
	defer cancel()
	if err := s.pub.PublishEdge(pctx, ch); err != nil {
		s.logger.Warn("publish edge change failed",
			zap.String("pair", ch.Edge.Pair.Key()),
			zap.Int64("version", ch.Edge.Version),
			zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, in Intent, out Outcome, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	req := map[string]interface{}{"op": in.Op, "other": in.Other}
	if in.Reason != "" {
		req["reason"] = in.Reason
	}
	if in.IdempotencyKey != "" {
		req["idempotency_key"] = in.IdempotencyKey
	}
	entry := audit.Entry{
		TraceID:    audit.TraceIDFrom(ctx),
		ActorID:    string(in.Actor),
		TargetID:   string(in.Other),
		Action:     "relation." + string(in.Op),
		Request:    req,
		IP:         audit.ClientIPFrom(ctx),
		DurationMs: int(d.Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Response = map[string]interface{}{
			"op":         out.Op,
			"state":      out.Edge.State.String(),
			"version":    out.Edge.Version,
			"was_friend": out.WasFriend,
			"replayed":   out.Replayed,
		}
	}
	s.audit.Log(entry)
}

// ---- operations ----

func (s *Service) SendRequest(ctx context.Context, actor, other UserID) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpSend, Actor: actor, Other: other})
}

func (s *Service) AcceptRequest(ctx context.Context, actor, other UserID) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpAccept, Actor: actor, Other: other})
}

func (s *Service) DeclineRequest(ctx context.Context, actor, other UserID) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpDecline, Actor: actor, Other: other})
}

func (s *Service) CancelRequest(ctx context.Context, actor, other UserID) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpCancel, Actor: actor, Other: other})
}

// RemoveFriend ends a friendship. Replaying idemKey after success returns
// the original outcome.
func (s *Service) RemoveFriend(ctx context.Context, actor, other UserID, idemKey string) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpRemove, Actor: actor, Other: other, IdempotencyKey: idemKey})
}

// BlockUser blocks other. Outcome.WasFriend reports whether a friendship
// was ended by the block.
func (s *Service) BlockUser(ctx context.Context, actor, other UserID, reason, idemKey string) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpBlock, Actor: actor, Other: other, Reason: reason, IdempotencyKey: idemKey})
}

func (s *Service) UnblockUser(ctx context.Context, actor, other UserID, idemKey string) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpUnblock, Actor: actor, Other: other, IdempotencyKey: idemKey})
}

// ReportUser files a report and blocks other in the same transaction.
func (s *Service) ReportUser(ctx context.Context, actor, other UserID, reason string) (Outcome, error) {
	return s.Apply(ctx, Intent{Op: OpReport, Actor: actor, Other: other, Reason: reason})
}

// ---- futures ----

// Future is the pending result of ApplyAsync. The operation cannot be
// cancelled once started; it completes or times out.
type Future struct {
	done chan struct{}
	out  Outcome
	err  error
}

// ApplyAsync starts in and returns immediately. The operation is detached
// from ctx cancellation but still bounded by the operation timeout.
func (s *Service) ApplyAsync(ctx context.Context, in Intent) *Future {
	f := &Future{done: make(chan struct{})}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer close(f.done)
		f.out, f.err = s.Apply(detached, in)
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is ready or ctx ends. Returning early on ctx
// does not stop the operation.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ---- projections ----

func (s *Service) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

func (s *Service) ListEdges(ctx context.Context, actor UserID) ([]Edge, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.ListEdges(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

func (s *Service) ListFriends(ctx context.Context, actor UserID) ([]Edge, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.ListFriends(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

func (s *Service) ListIncomingRequests(ctx context.Context, actor UserID) ([]Edge, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.ListIncoming(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

func (s *Service) ListOutgoingRequests(ctx context.Context, actor UserID) ([]Edge, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.ListOutgoing(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

func (s *Service) ListBlocked(ctx context.Context, actor UserID) ([]BlockEntry, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.ListBlocked(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

// Relationship returns the edge between actor and other.
func (s *Service) Relationship(ctx context.Context, actor, other UserID) (Edge, error) {
	pair, err := NewPair(actor, other)
	if err != nil {
		return Edge{}, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	e, err := s.store.Edge(ctx, pair)
	if err != nil {
		return Edge{}, s.storeErr(ctx, err)
	}
	return e, nil
}

// RelationshipView is Relationship plus the block records on either side,
// which the edge alone does not show once both users block each other.
func (s *Service) RelationshipView(ctx context.Context, actor, other UserID) (View, error) {
	pair, err := NewPair(actor, other)
	if err != nil {
		return View{}, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	v, err := s.store.Load(ctx, pair, actor)
	if err != nil {
		return View{}, s.storeErr(ctx, err)
	}
	return v, nil
}

func (s *Service) FriendIDs(ctx context.Context, actor UserID) ([]UserID, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	out, err := s.store.FriendIDs(ctx, actor)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}
	return out, nil
}

// AreFriends reports whether a and b are friends. A user is not their own friend.
func (s *Service) AreFriends(ctx context.Context, a, b UserID) (bool, error) {
	if a == b {
		return false, nil
	}
	e, err := s.Relationship(ctx, a, b)
	if err != nil {
		return false, err
	}
	return e.State == StateFriends, nil
}

// PurgeIdempotency drops idempotency records older than ttl.
func (s *Service) PurgeIdempotency(ctx context.Context, ttl time.Duration) (int64, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.PurgeIdempotency(ctx, s.now().Add(-ttl))
}
