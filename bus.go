package pagi

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Subscriber is a callback registered with the Bus. It receives the
// channel it was delivered on and the published message.
type Subscriber func(channel string, msg interface{})

// Subscription is the opaque handle returned by Bus.Subscribe. Languages
// with address-identity for closures could key subscriptions on the
// callback pointer; Go callables are not comparable in general, so the Bus
// hands back a stable uuid.UUID identity instead (see spec.md §9).
type Subscription struct {
	id      uuid.UUID
	channel string
	bus     *Bus
}

// Unsubscribe removes this subscription from its channel. It is a no-op if
// already unsubscribed.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s.channel, s.id)
}

// Bus is the in-process, process-local pub/sub registry backing room and
// channel broadcasts for WebSocket and SSE handlers (spec.md §4.B).
//
// Grounded on the mutex-guarded client registry of a connection hub (see
// the websocket-hub reference retrieved alongside this spec): subscribe and
// unsubscribe mutate the registry under a lock; publish snapshots the
// subscriber set and releases the lock before invoking callbacks, so a
// subscriber may itself subscribe or unsubscribe without deadlocking.
type Bus struct {
	mutex    sync.Mutex
	channels map[string]map[uuid.UUID]Subscriber
	errorLog *log.Logger
}

// NewBus returns an empty, ready-to-use Bus. Most applications should reach
// for the process-wide Instance() instead of constructing their own, unless
// they need isolation between sub-applications.
func NewBus() *Bus {
	return &Bus{channels: map[string]map[uuid.UUID]Subscriber{}}
}

var defaultBus = NewBus()

// Instance returns the process-wide default Bus singleton.
func Instance() *Bus { return defaultBus }

// Reset clears every channel and subscriber. It exists solely to support
// test isolation between otherwise independent test cases sharing the
// process-wide Instance().
func (b *Bus) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.channels = map[string]map[uuid.UUID]Subscriber{}
}

// Subscribe registers cb on channel and returns a Subscription handle used
// to unsubscribe later. Subscribing the same handle object twice to the
// same channel is not expressible in this API (each call mints a fresh
// identity), matching spec.md's identity-keyed invariant: each call is one
// subscription regardless of whether the callback value is "the same"
// closure in the caller's eyes.
func (b *Bus) Subscribe(channel string, cb Subscriber) *Subscription {
	id := uuid.New()

	b.mutex.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = map[uuid.UUID]Subscriber{}
		b.channels[channel] = subs
	}
	subs[id] = cb
	b.mutex.Unlock()

	return &Subscription{id: id, channel: channel, bus: b}
}

// Unsubscribe removes the subscriber identified by id from channel. If the
// channel becomes empty, it is removed from the registry (channels with no
// subscribers are garbage-collected).
func (b *Bus) Unsubscribe(channel string, id uuid.UUID) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs, ok := b.channels[channel]
	if !ok {
		return
	}

	delete(subs, id)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
}

// UnsubscribeAll removes every subscription held by id across all channels.
func (b *Bus) UnsubscribeAll(ids ...uuid.UUID) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	idSet := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	for channel, subs := range b.channels {
		for id := range idSet {
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
}

// Publish delivers msg to every subscriber of channel as it existed at the
// moment Publish was called (a snapshot), and returns how many subscribers
// received it. Subscribers added during delivery are not called;
// subscribers removed during delivery are not called again. A subscriber
// that panics is caught, logged, and does not prevent delivery to the
// others.
func (b *Bus) Publish(channel string, msg interface{}) int {
	b.mutex.Lock()
	subs := b.channels[channel]
	snapshot := make([]Subscriber, 0, len(subs))
	for _, cb := range subs {
		snapshot = append(snapshot, cb)
	}
	b.mutex.Unlock()

	for _, cb := range snapshot {
		b.deliver(cb, channel, msg)
	}

	return len(snapshot)
}

func (b *Bus) deliver(cb Subscriber, channel string, msg interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("pagi: bus subscriber on channel %q panicked: %v", channel, r)
		}
	}()
	cb(channel, msg)
}

// PublishOthers delivers msg to every current subscriber of channel except
// self. The source implements this as unsubscribe-publish-resubscribe, which
// spec.md §9 flags as relying on single-threaded cooperative scheduling: "if
// the bus can be published to from other tasks concurrently, the 'others'
// semantics must be implemented with a filter over the snapshot subscriber
// set instead." Since pagi's Bus is shared across goroutines (one per
// connection), that condition holds here, so PublishOthers snapshots the
// subscriber set and filters self out rather than mutating the registry.
func (b *Bus) PublishOthers(channel string, id uuid.UUID, msg interface{}) int {
	b.mutex.Lock()
	subs := b.channels[channel]
	snapshot := make([]Subscriber, 0, len(subs))
	for subID, cb := range subs {
		if subID == id {
			continue
		}
		snapshot = append(snapshot, cb)
	}
	b.mutex.Unlock()

	for _, cb := range snapshot {
		b.deliver(cb, channel, msg)
	}

	return len(snapshot)
}

// HasChannel reports whether channel currently has at least one subscriber.
func (b *Bus) HasChannel(channel string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.channels[channel]
	return ok
}

// Subscribers returns the current subscriber count of channel.
func (b *Bus) Subscribers(channel string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.channels[channel])
}

func (b *Bus) logf(format string, v ...interface{}) {
	if b.errorLog != nil {
		b.errorLog.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}
