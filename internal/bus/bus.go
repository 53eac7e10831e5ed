// Package bus implements the process-wide synchronous event fan-out.
// The engine owns a single Bus value; there are no package-level
// singletons. Publishing invokes every subscriber for the event's kind
// in registration order on the publishing goroutine, so handlers must
// hand off to their own queue if they need async work.
package bus

import (
	"sync"
	"time"
)

// Kind identifies an event category.
type Kind string

const (
	KindCheckResult            Kind = "CheckResult"
	KindStateChange            Kind = "StateChange"
	KindNextCheckChanged       Kind = "NextCheckChanged"
	KindFlappingChanged        Kind = "FlappingChanged"
	KindAcknowledgementSet     Kind = "AcknowledgementSet"
	KindAcknowledgementCleared Kind = "AcknowledgementCleared"
	KindNotificationSent       Kind = "NotificationSent"
	KindCommentAdded           Kind = "CommentAdded"
	KindCommentRemoved         Kind = "CommentRemoved"
	KindDowntimeAdded          Kind = "DowntimeAdded"
	KindDowntimeRemoved        Kind = "DowntimeRemoved"
	KindDowntimeTriggered      Kind = "DowntimeTriggered"
	KindAttributeChanged       Kind = "AttributeChanged"
)

// Event is delivered to subscribers. Authority names the endpoint that
// originated the event; events relayed from the cluster carry the
// remote endpoint's name and its per-source sequence number.
type Event struct {
	Kind       Kind
	Authority  string
	Timestamp  time.Time
	Sequence   uint64
	ObjectType string
	ObjectName string
	Data       interface{}
}

// Handler processes one event. It runs on the publisher's goroutine.
type Handler func(Event)

// Subscription is a registered handler. Unsubscribe it through the Bus.
type Subscription struct {
	id   uint64
	kind Kind
	fn   Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]*Subscription)}
}

// Subscribe registers a handler for one event kind. Handlers for the
// same kind run in registration order.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, kind: kind, fn: fn}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// SubscribeAll registers a handler for every event kind published.
// Implemented as a subscription under the empty kind, which Publish
// always delivers to after the kind-specific handlers.
func (b *Bus) SubscribeAll(fn Handler) *Subscription {
	return b.Subscribe(Kind(""), fn)
}

// Unsubscribe removes a subscription. It blocks until deliveries that
// are already in flight have completed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	// Taking the write lock waits out in-flight Publish calls, which
	// hold the read lock across handler invocation.
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers an event synchronously to every subscriber of its
// kind, then to the catch-all subscribers. A zero timestamp is filled
// with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Kind] {
		sub.fn(ev)
	}
	for _, sub := range b.subs[Kind("")] {
		sub.fn(ev)
	}
}
