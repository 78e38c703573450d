// Package broadcast implements the fan-out primitive behind the
// cross-session hub (§4.6): a single producer delivering to any number of
// subscribers, where a subscriber that falls behind observes a lag marker
// on its next delivery rather than blocking the producer or ever seeing
// events reordered (§5).
package broadcast

import "sync"

// Item is one value delivered to a subscriber. Lagged is true when this
// subscriber missed one or more earlier values because its buffer was full
// at send time.
type Item[T any] struct {
	Value  T
	Lagged bool
}

type subscriber[T any] struct {
	ch  chan Item[T]
	lag bool
}

// Broadcaster fans a stream of values out to any number of subscribers. The
// zero value is not usable; construct one with New.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// New returns a ready-to-use Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers a new subscriber with the given channel capacity and
// returns an id (for Unsubscribe) and its receive channel. Subscribing to a
// Broadcaster that has already been Closed returns an already-closed
// channel, matching the "unregistration wakes all subscribers" invariant
// for callers that race a subscribe against a shutdown.
func (b *Broadcaster[T]) Subscribe(buf int) (uint64, <-chan Item[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Item[T], buf)
	if b.closed {
		close(ch)
		return 0, ch
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber[T]{ch: ch}
	return id, ch
}

// Unsubscribe removes and closes id's channel. Safe to call more than once
// or with an id that was never registered (or already removed by Close).
func (b *Broadcaster[T]) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Send delivers v to every current subscriber. A subscriber whose buffer is
// currently full does not block the others: it is marked lagged and misses
// v, and the next value it does receive carries Lagged=true. Values that do
// arrive at a subscriber are never reordered relative to each other.
func (b *Broadcaster[T]) Send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		item := Item[T]{Value: v, Lagged: s.lag}
		select {
		case s.ch <- item:
			s.lag = false
		default:
			s.lag = true
		}
	}
}

// Close closes every subscriber's channel and marks the Broadcaster closed.
// Further Subscribe calls return an already-closed channel; Send becomes a
// no-op. Matches §3's "unregistration closes the broadcast channel and
// wakes all subscribers".
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the number of currently-registered subscribers,
// mainly useful for tests and diagnostics.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
