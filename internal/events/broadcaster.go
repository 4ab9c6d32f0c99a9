// Package events fans session lifecycle events out to dashboard observers.
package events

import (
	"log/slog"
	"sync"

	"github.com/ashureev/termshare/internal/domain"
)

const defaultQueueSize = 64

// Subscription is one observer's view of the event stream. C is closed
// when the subscription ends, either by Close or because the observer
// fell too far behind.
type Subscription struct {
	ID int64
	C  <-chan domain.LifecycleEvent

	ch        chan domain.LifecycleEvent
	b         *Broadcaster
	closeOnce sync.Once
	dropped   bool
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Dropped reports whether the subscription was ended for falling behind.
// Valid once C is closed.
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Broadcaster delivers every published event to every current subscriber,
// in publish order. Late subscribers do not see earlier events.
type Broadcaster struct {
	queueSize int

	mu     sync.Mutex
	seq    int64
	nextID int64
	subs   map[int64]*Subscription
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// queueSize events.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		queueSize: queueSize,
		subs:      make(map[int64]*Subscription),
	}
}

// Publish stamps evt with the next sequence number and queues it for
// every subscriber. It never blocks: a subscriber with a full queue is
// dropped, and its observer is expected to reconnect and re-list.
func (b *Broadcaster) Publish(evt domain.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.seq++
	evt.Seq = b.seq

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("Event subscriber too slow, dropping", "subscriber", id, "queue", b.queueSize)
			sub.dropped = true
			b.removeLocked(sub)
		}
	}
	slog.Debug("Lifecycle event published", "type", evt.Type, "session", evt.Name, "seq", evt.Seq, "subscribers", len(b.subs))
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan domain.LifecycleEvent, b.queueSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{ID: b.nextID, C: ch, ch: ch, b: b}
	if b.closed {
		sub.closeOnce.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSeq returns the sequence number of the most recent event.
func (b *Broadcaster) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close ends every subscription and ignores later publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	delete(b.subs, sub.ID)
	sub.closeOnce.Do(func() { close(sub.ch) })
}
