package local

import (
	"context"
	"sync"
	"sync/atomic"
)

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

// subscription is one Subscribe call; it may listen on several channels.
type subscription struct {
	ch     chan *LocalMessage
	cancel func()
}

// LocalPubSub is an in-process fan-out pub/sub implementation. Every user
// gets a channel of their own, so empty channels are removed on cancel.
type LocalPubSub struct {
	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	bufSize  int
	dropped  atomic.Int64
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		channels: make(map[string]map[*subscription]struct{}),
		bufSize:  bufSize,
	}
}

// Publish delivers message to every current subscriber of channel. A
// subscriber whose buffer is full is cut off: its channel is closed after
// the messages already queued, so the reader knows it missed some.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	var lagging []*subscription
	// Sends happen under the read lock so cancel cannot close a channel
	// mid-send.
	ps.mu.RLock()
	for s := range ps.channels[channel] {
		select {
		case s.ch <- msg:
		default:
			lagging = append(lagging, s)
		}
	}
	ps.mu.RUnlock()
	for _, s := range lagging {
		ps.dropped.Add(1)
		s.cancel()
	}
	return nil
}

// Subscribe returns a channel of messages for the given channels, and a cancel function.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	s := &subscription{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		set, ok := ps.channels[c]
		if !ok {
			set = make(map[*subscription]struct{})
			ps.channels[c] = set
		}
		set[s] = struct{}{}
	}
	ps.mu.Unlock()

	var once sync.Once
	s.cancel = func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			for _, c := range channels {
				set := ps.channels[c]
				delete(set, s)
				if len(set) == 0 {
					delete(ps.channels, c)
				}
			}
			close(s.ch)
		})
	}

	return s.ch, s.cancel, nil
}

// Channels returns how many channels have at least one subscriber.
func (ps *LocalPubSub) Channels() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.channels)
}

// Dropped returns how many subscribers were cut off for falling behind.
func (ps *LocalPubSub) Dropped() int64 {
	return ps.dropped.Load()
}
