package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

const channelPrefix = "social:user:"

// Channel is the pubsub channel carrying changes relevant to u.
func Channel(u relation.UserID) string { return channelPrefix + string(u) }

const (
	msgEdge     = "edge"
	msgPresence = "presence"
)

// message is the JSON envelope written to user channels.
type message struct {
	Type     string         `json:"type"`
	Edge     *edgeMessage   `json:"edge,omitempty"`
	Presence *presence.View `json:"presence,omitempty"`
}

type edgeMessage struct {
	UserA     relation.UserID `json:"user_a"`
	UserB     relation.UserID `json:"user_b"`
	State     relation.State  `json:"state"`
	PrevState relation.State  `json:"prev_state"`
	Version   int64           `json:"version"`
	Op        relation.Op     `json:"op"`
	Actor     relation.UserID `json:"actor"`
	WasFriend bool            `json:"was_friend"`
	NewBlock  bool            `json:"new_block,omitempty"`
	At        time.Time       `json:"at"`
}

func (m *edgeMessage) pair() relation.Pair { return relation.Pair{A: m.UserA, B: m.UserB} }

// Publisher writes committed changes onto user channels.
type Publisher struct {
	ps       cache.PubSub
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// NewPublisher creates a Publisher that retries each delivery up to
// attempts times with linearly growing backoff.
func NewPublisher(ps cache.PubSub, attempts int, backoff time.Duration, logger *zap.Logger) *Publisher {
	if attempts <= 0 {
		attempts = 1
	}
	return &Publisher{ps: ps, attempts: attempts, backoff: backoff, logger: logger}
}

// PublishEdge sends ch to both members of the pair.
func (p *Publisher) PublishEdge(ctx context.Context, ch relation.EdgeChange) error {
	payload, err := json.Marshal(message{
		Type: msgEdge,
		Edge: &edgeMessage{
			UserA:     ch.Edge.Pair.A,
			UserB:     ch.Edge.Pair.B,
			State:     ch.Edge.State,
			PrevState: ch.Prev.State,
			Version:   ch.Edge.Version,
			Op:        ch.Op,
			Actor:     ch.Actor,
			WasFriend: ch.WasFriend,
			NewBlock:  ch.NewBlock,
			At:        ch.At,
		},
	})
	if err != nil {
		return fmt.Errorf("gateway: encode edge: %w", err)
	}
	return errors.Join(
		p.publish(ctx, Channel(ch.Edge.Pair.A), string(payload)),
		p.publish(ctx, Channel(ch.Edge.Pair.B), string(payload)),
	)
}

// PublishPresence sends a presence view to one user.
func (p *Publisher) PublishPresence(ctx context.Context, to relation.UserID, v presence.View) error {
	payload, err := json.Marshal(message{Type: msgPresence, Presence: &v})
	if err != nil {
		return fmt.Errorf("gateway: encode presence: %w", err)
	}
	return p.publish(ctx, Channel(to), string(payload))
}

func (p *Publisher) publish(ctx context.Context, channel, payload string) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.ps.Publish(ctx, channel, payload); err == nil {
			return nil
		}
		p.logger.Debug("publish failed",
			zap.String("channel", channel), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == p.attempts {
			break
		}
		select {
		case <-time.After(p.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("gateway: publish %s: %w", channel, ctx.Err())
		}
	}
	return fmt.Errorf("gateway: publish %s: %w", channel, err)
}
