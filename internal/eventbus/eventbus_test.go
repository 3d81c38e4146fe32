package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSub struct {
	name string
	mu   sync.Mutex
	got  []Payload
	fail bool
}

func (r *recordingSub) Deliver(p Payload) error {
	if r.fail {
		return errors.New("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return nil
}

func (r *recordingSub) received() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payload, len(r.got))
	copy(out, r.got)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDeliversOnlyToTopicSubscribers(t *testing.T) {
	b := New(8)
	a := &recordingSub{name: "a"}
	c := &recordingSub{name: "b"}
	b.Attach(a)
	b.Attach(c)
	b.Subscribe(a, "job:1")

	b.Publish("job:1", "hello")

	waitFor(t, func() bool { return len(a.received()) == 1 })
	if len(c.received()) != 0 {
		t.Fatalf("unsubscribed subscriber should not receive topic publish, got %v", c.received())
	}
}

func TestBroadcastDeliversToEveryAttachedSubscriber(t *testing.T) {
	b := New(8)
	a := &recordingSub{}
	c := &recordingSub{}
	b.Attach(a)
	b.Attach(c)

	b.Broadcast("ping")

	waitFor(t, func() bool { return len(a.received()) == 1 && len(c.received()) == 1 })
}

func TestDeliveryErrorDetachesSubscriber(t *testing.T) {
	b := New(8)
	bad := &recordingSub{fail: true}
	b.Attach(bad)
	b.Subscribe(bad, "job:1")

	b.Publish("job:1", "x")

	waitFor(t, func() bool { return b.SubscriberCount() == 0 })
}

func TestDetachIsIdempotentAndClearsTopics(t *testing.T) {
	b := New(8)
	a := &recordingSub{}
	b.Attach(a)
	b.Subscribe(a, "job:1")
	b.Detach(a)
	b.Detach(a) // no panic

	b.Publish("job:1", "x")
	time.Sleep(20 * time.Millisecond)
	if len(a.received()) != 0 {
		t.Fatalf("detached subscriber should not receive further events")
	}
}

func TestFullMailboxDetachesSubscriber(t *testing.T) {
	b := New(1)
	blocking := &blockingSub{unblock: make(chan struct{})}
	b.Attach(blocking)
	b.Subscribe(blocking, "job:1")

	// First publish is picked up by the drain goroutine and blocks inside
	// Deliver, leaving the mailbox empty again.
	b.Publish("job:1", "first")
	time.Sleep(20 * time.Millisecond)
	// Second publish fills the now-empty mailbox (capacity 1).
	b.Publish("job:1", "second")
	time.Sleep(10 * time.Millisecond)
	// Third publish finds the mailbox full (one in flight inside Deliver,
	// one buffered) and should detach the subscriber.
	b.Publish("job:1", "third")

	waitFor(t, func() bool { return b.SubscriberCount() == 0 })
	close(blocking.unblock)
}

type blockingSub struct {
	unblock chan struct{}
}

func (b *blockingSub) Deliver(Payload) error {
	<-b.unblock
	return nil
}
