// Package eventbus implements the publish/subscribe fan-out described in
// spec.md §4.1: typed payloads delivered to per-topic and broadcast
// subscribers, with best-effort, detach-on-failure delivery.
//
// Delivery is grounded in the teacher's bookkeeping shape for live
// resources (internal/dispatch.Dispatcher's processes map guarded by a
// sync.RWMutex in the retrieved cortex repository): each subscriber gets a
// small buffered-channel mailbox and its own goroutine draining it, so a
// slow subscriber never blocks Publish/Broadcast for anyone else. A full
// mailbox is treated as a delivery failure per spec.md §4.1.
package eventbus

import (
	"sync"
)

// Payload is any JSON-serializable event value (job_update, daemon_log,
// daemon_job_action from spec.md §6.2).
type Payload any

// Subscriber is an opaque connection handle. Callers supply their own
// comparable value (e.g. a *websocket connection wrapper, or in tests, a
// small recording struct) — the bus never interprets it beyond using it as a map
// key and a delivery sink.
type Subscriber interface {
	// Deliver is called on the subscriber's own mailbox goroutine. It
	// must not block indefinitely; a Send that can block forever defeats
	// the mailbox's purpose.
	Deliver(Payload) error
}

type subscriberState struct {
	sub     Subscriber
	mailbox chan Payload
	topics  map[string]struct{}
	once    sync.Once
	done    chan struct{}
}

// Bus is the process-wide event fan-out. The zero value is not usable;
// construct with New.
type Bus struct {
	mu            sync.RWMutex
	subscribers   map[Subscriber]*subscriberState
	byTopic       map[string]map[Subscriber]struct{}
	mailboxSize   int
	onPublish     func(topicKind string)
	onSubscriberCountChange func(count int)
}

// Option configures optional instrumentation hooks on a Bus.
type Option func(*Bus)

// WithPublishHook registers a callback invoked once per Publish/Broadcast
// call with a coarse topic kind: the part of the topic before its first
// ':' (e.g. "job" for "job:<id>", "daemon_log" for "daemon_log:<id>"), or
// "broadcast" for Broadcast. It is intended for wiring a Prometheus
// counter without the bus importing obs directly.
func WithPublishHook(fn func(topicKind string)) Option {
	return func(b *Bus) { b.onPublish = fn }
}

// WithSubscriberCountHook registers a callback invoked whenever the
// attached-subscriber count changes, intended for a gauge.
func WithSubscriberCountHook(fn func(count int)) Option {
	return func(b *Bus) { b.onSubscriberCountChange = fn }
}

// New constructs a Bus. mailboxSize bounds each subscriber's buffered
// channel; a non-positive value defaults to 16.
func New(mailboxSize int, opts ...Option) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = 16
	}
	b := &Bus{
		subscribers: make(map[Subscriber]*subscriberState),
		byTopic:     make(map[string]map[Subscriber]struct{}),
		mailboxSize: mailboxSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers sub as a subscriber. Idempotent: attaching an already
// attached subscriber is a no-op.
func (b *Bus) Attach(sub Subscriber) {
	b.mu.Lock()
	if _, exists := b.subscribers[sub]; exists {
		b.mu.Unlock()
		return
	}
	st := &subscriberState{
		sub:     sub,
		mailbox: make(chan Payload, b.mailboxSize),
		topics:  make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	b.subscribers[sub] = st
	count := len(b.subscribers)
	b.mu.Unlock()

	go b.drain(st)

	if b.onSubscriberCountChange != nil {
		b.onSubscriberCountChange(count)
	}
}

func (b *Bus) drain(st *subscriberState) {
	for {
		select {
		case payload, ok := <-st.mailbox:
			if !ok {
				return
			}
			if err := st.sub.Deliver(payload); err != nil {
				b.Detach(st.sub)
				return
			}
		case <-st.done:
			return
		}
	}
}

// Detach unregisters sub and drops it from every topic set. Idempotent.
func (b *Bus) Detach(sub Subscriber) {
	b.mu.Lock()
	st, exists := b.subscribers[sub]
	if !exists {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub)
	for topic := range st.topics {
		if set, ok := b.byTopic[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byTopic, topic)
			}
		}
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	st.once.Do(func() { close(st.done) })

	if b.onSubscriberCountChange != nil {
		b.onSubscriberCountChange(count)
	}
}

// Subscribe adds sub to topic's delivery set.
func (b *Bus) Subscribe(sub Subscriber, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, exists := b.subscribers[sub]
	if !exists {
		return
	}
	st.topics[topic] = struct{}{}
	set, ok := b.byTopic[topic]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.byTopic[topic] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from topic's delivery set.
func (b *Bus) Unsubscribe(sub Subscriber, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.subscribers[sub]; ok {
		delete(st.topics, topic)
	}
	if set, ok := b.byTopic[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byTopic, topic)
		}
	}
}

// Publish delivers payload to every subscriber of topic. Subscribers that
// are attached but not subscribed to topic do not receive it; Broadcast is
// the call that reaches every attached subscriber.
func (b *Bus) Publish(topic string, payload Payload) {
	b.mu.RLock()
	var targets []*subscriberState
	if set, ok := b.byTopic[topic]; ok {
		targets = make([]*subscriberState, 0, len(set))
		for sub := range set {
			if st, ok := b.subscribers[sub]; ok {
				targets = append(targets, st)
			}
		}
	}
	b.mu.RUnlock()

	for _, st := range targets {
		b.send(st, payload)
	}

	if b.onPublish != nil {
		b.onPublish(topicKind(topic))
	}
}

// Broadcast delivers payload to every attached subscriber regardless of
// topic subscriptions.
func (b *Bus) Broadcast(payload Payload) {
	b.mu.RLock()
	targets := make([]*subscriberState, 0, len(b.subscribers))
	for _, st := range b.subscribers {
		targets = append(targets, st)
	}
	b.mu.RUnlock()

	for _, st := range targets {
		b.send(st, payload)
	}

	if b.onPublish != nil {
		b.onPublish("broadcast")
	}
}

func (b *Bus) send(st *subscriberState, payload Payload) {
	select {
	case st.mailbox <- payload:
	default:
		// Mailbox full: treat as a delivery failure and detach, per
		// spec.md §4.1 ("on delivery error to a given subscriber,
		// detach it and continue").
		b.Detach(st.sub)
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func topicKind(topic string) string {
	for i, c := range topic {
		if c == ':' {
			return topic[:i]
		}
	}
	return topic
}
