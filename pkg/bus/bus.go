// Package bus is the event distribution core: a single Bus fans
// published events out to any number of transport subscriptions, each
// with its own bounded FIFO queue. Slow consumers lose their oldest
// undelivered events instead of stalling the publisher or each other.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mdview/mdview/pkg/logger"
)

const (
	// DefaultQueueSize is the per-subscription delivery buffer.
	DefaultQueueSize = 256
	// DefaultReplaySize bounds the chat replay ring.
	DefaultReplaySize = 100
)

// Subscription is one consumer's tap on the bus. The owning adapter
// drains C(); the bus is the only writer. A subscription belongs to
// exactly one connection and dies with it.
type Subscription struct {
	ID        string
	Transport TransportKind
	Created   time.Time

	kinds  map[EventKind]bool
	events chan Event

	mu           sync.Mutex
	lastActivity time.Time
}

// C returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Wants reports whether this subscription's kind filter matches k.
func (s *Subscription) Wants(k EventKind) bool {
	return s.kinds[k]
}

// Touch records consumer activity (a successful write or a received
// heartbeat).
func (s *Subscription) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent Touch.
func (s *Subscription) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Bus owns the live subscription set, the global sequence counter, and
// the chat replay ring. All mutation happens under one mutex, so
// publish/subscribe/unsubscribe are sequentially consistent.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	seq       uint64
	queueSize int

	// Chat replay ring, oldest first. Directory and file events are
	// never replayed: a fresh snapshot makes replay pointless.
	replay     []Event
	replaySize int

	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscription buffer capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithReplaySize sets the chat replay ring capacity.
func WithReplaySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.replaySize = n
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]*Subscription),
		queueSize:  DefaultQueueSize,
		replaySize: DefaultReplaySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer for the given event kinds and
// returns its subscription. It always succeeds; capacity is bounded
// only by process memory.
func (b *Bus) Subscribe(transport TransportKind, kinds ...EventKind) *Subscription {
	sub := &Subscription{
		ID:           uuid.NewString(),
		Transport:    transport,
		Created:      time.Now(),
		kinds:        make(map[EventKind]bool, len(kinds)),
		lastActivity: time.Now(),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	sub.events = make(chan Event, b.queueSize)
	if b.closed {
		// Late subscriber on a dying bus: hand back an already-closed
		// subscription so the adapter's delivery loop exits at once.
		close(sub.events)
		b.mu.Unlock()
		return sub
	}
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	logger.DebugCF("bus", "Subscriber added", map[string]interface{}{
		"id":          sub.ID,
		"transport":   transport.String(),
		"subscribers": n,
	})
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call more than once; later calls are no-ops. After return the bus
// will never enqueue into that subscription again.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.events)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		logger.DebugCF("bus", "Subscriber removed", map[string]interface{}{
			"id":          id,
			"subscribers": n,
		})
	}
}

// Publish assigns the next sequence number and timestamp, records chat
// events in the replay ring, and fans the event out to every matching
// subscription without ever blocking. When a subscriber's queue is
// full its oldest undelivered event is dropped to make room; other
// subscribers and the publisher are unaffected. The stamped event is
// returned for the producer's own use (echo, logging).
func (b *Bus) Publish(evt Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return evt
	}

	b.seq++
	evt.Sequence = b.seq
	evt.Timestamp = time.Now()

	if evt.Kind == KindChatMessage {
		b.replay = append(b.replay, evt)
		if len(b.replay) > b.replaySize {
			b.replay = b.replay[len(b.replay)-b.replaySize:]
		}
	}

	for _, sub := range b.subs {
		if !sub.Wants(evt.Kind) {
			continue
		}
		select {
		case sub.events <- evt:
		default:
			// Queue full: drop this subscriber's oldest and retry once.
			select {
			case dropped := <-sub.events:
				logger.WarnCF("bus", "Slow subscriber, dropped oldest event", map[string]interface{}{
					"id":        sub.ID,
					"transport": sub.Transport.String(),
					"dropped":   dropped.Sequence,
				})
			default:
			}
			select {
			case sub.events <- evt:
			default:
			}
		}
	}
	b.mu.Unlock()
	return evt
}

// ChatSince returns the replayed chat events with Timestamp strictly
// after t, oldest first. Only the ring is read; live subscriptions are
// untouched.
func (b *Bus) ChatSince(t time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.replay))
	for _, evt := range b.replay {
		if evt.Timestamp.After(t) {
			out = append(out, evt)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close tears down every subscription. Publishing after Close is a
// no-op. Called once at server shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.events)
	}
	b.mu.Unlock()
	logger.InfoC("bus", "Bus closed")
}
