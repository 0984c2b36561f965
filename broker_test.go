package mqtt

import (
	"testing"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/security"
)

func newTestBroker() *Broker {
	return NewBroker(DefaultBrokerOptions(), security.DefaultConfig(), nil)
}

// S1: a QoS1 publish queued while a subscriber is offline is delivered,
// with its packet ID tracked in-flight, once the subscriber reconnects.
func TestBrokerQoS1ResendOnReconnect(t *testing.T) {
	b := newTestBroker()

	sub, _ := b.Connect("sub", true, &fakeEndpoint{id: "sub"}, time.Minute)
	b.Subscribe(sub, []packet.Subscription{{TopicFilter: "a/b", MaximumQoS: 1}})
	b.Disconnect(sub)

	if err := b.Publish(nil, &packet.Message{TopicName: "a/b", Content: []byte("hi")}, 1, false, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sub.OfflineQueueLen() != 1 {
		t.Fatalf("expected 1 queued message while offline, got %d", sub.OfflineQueueLen())
	}

	ep := &fakeEndpoint{id: "sub"}
	resumed, present := b.Connect("sub", false, ep, 0)
	if !present {
		t.Fatal("expected session-present on resume")
	}
	if resumed != sub {
		t.Fatal("expected the same session object to be resumed")
	}
	if len(ep.written) != 1 {
		t.Fatalf("expected the queued message to be delivered on reconnect, got %d packets", len(ep.written))
	}
	pub, ok := ep.written[0].(*packet.PUBLISH)
	if !ok {
		t.Fatalf("expected a PUBLISH, got %T", ep.written[0])
	}
	if pub.PacketID == 0 {
		t.Fatal("expected a non-zero packet ID for a QoS1 delivery")
	}
	if _, ok := resumed.Inflight.Get(pub.PacketID); !ok {
		t.Fatal("expected the redelivered QoS1 publish to be tracked in-flight")
	}
}

// S3: deleting a retained message (empty, zero-length payload with
// retain set) removes it from the retained index instead of replacing
// it with an empty-payload entry.
func TestBrokerRetainedDelete(t *testing.T) {
	b := newTestBroker()

	if err := b.Publish(nil, &packet.Message{TopicName: "r/1", Content: []byte("v")}, 0, true, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := b.Retained.Find("r/1"); !ok {
		t.Fatal("expected retained message to be stored")
	}

	if err := b.Publish(nil, &packet.Message{TopicName: "r/1", Content: nil}, 0, true, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// InsertOrUpdate is responsible for treating a zero-length retained
	// payload as a delete; confirm the net effect through the broker's
	// public surface a SUBSCRIBE would observe.
	ep := &fakeEndpoint{id: "new-sub"}
	s, _ := b.Connect("new-sub", true, ep, 0)
	b.Subscribe(s, []packet.Subscription{{TopicFilter: "r/1"}})
	if len(ep.written) != 0 {
		t.Fatalf("expected no retained delivery after delete, got %d packets", len(ep.written))
	}
}

// S4: a shared subscription with two members round-robins successive
// publishes between them rather than fanning out to both.
func TestBrokerSharedSubscriptionFairness(t *testing.T) {
	b := newTestBroker()

	ep1 := &fakeEndpoint{id: "m1"}
	ep2 := &fakeEndpoint{id: "m2"}
	s1, _ := b.Connect("m1", true, ep1, 0)
	s2, _ := b.Connect("m2", true, ep2, 0)
	b.Subscribe(s1, []packet.Subscription{{TopicFilter: "$share/g/work"}})
	b.Subscribe(s2, []packet.Subscription{{TopicFilter: "$share/g/work"}})

	for i := 0; i < 4; i++ {
		if err := b.Publish(nil, &packet.Message{TopicName: "work", Content: []byte("x")}, 0, false, nil); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	total := len(ep1.written) + len(ep2.written)
	if total != 4 {
		t.Fatalf("expected 4 total deliveries across the shared group, got %d", total)
	}
	if len(ep1.written) == 0 || len(ep2.written) == 0 {
		t.Fatalf("expected round-robin fan-out to reach both members, got m1=%d m2=%d", len(ep1.written), len(ep2.written))
	}
}

// S5: an offline subscriber's QoS0 publishes are simply dropped, never
// queued.
func TestBrokerOfflineQueueQoS0Dropped(t *testing.T) {
	b := newTestBroker()
	ep := &fakeEndpoint{id: "sub"}
	s, _ := b.Connect("sub", true, ep, 0)
	b.Subscribe(s, []packet.Subscription{{TopicFilter: "t"}})
	b.Disconnect(s)

	if err := b.Publish(nil, &packet.Message{TopicName: "t", Content: []byte("x")}, 0, false, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if s.OfflineQueueLen() != 0 {
		t.Fatalf("expected QoS0 publish to an offline subscriber to be dropped, queue has %d", s.OfflineQueueLen())
	}
}

func TestBrokerSessionExpiryReap(t *testing.T) {
	b := newTestBroker()

	ep := &fakeEndpoint{id: "sub"}
	s, _ := b.Connect("sub", true, ep, time.Minute)
	b.Disconnect(s)

	// Not yet expired: reaping now must leave it resumable.
	b.Reap(time.Now())
	if _, present := b.Connect("sub", false, &fakeEndpoint{id: "sub"}, time.Minute); !present {
		t.Fatal("session with an unexpired deadline should still be resumable")
	}
	b.Disconnect(s)

	// Reaping well past the deadline removes it; a later CONNECT starts fresh.
	b.Reap(time.Now().Add(time.Hour))
	if _, present := b.Connect("sub", false, &fakeEndpoint{id: "sub"}, 0); present {
		t.Fatal("expired session should have been reaped, not resumed")
	}
}

// A retained message published with a MessageExpiryInterval property
// stops being delivered to new subscribers once that interval elapses.
func TestBrokerRetainedMessageExpires(t *testing.T) {
	b := newTestBroker()

	props := &packet.PublishProperties{MessageExpiryInterval: 1}
	if err := b.Publish(nil, &packet.Message{TopicName: "r/2", Content: []byte("v")}, 0, true, props); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rm, ok := b.Retained.Find("r/2")
	if !ok {
		t.Fatal("expected retained message to be stored")
	}
	if rm.ExpiresAt.IsZero() {
		t.Fatal("expected a non-zero expiry deadline to be derived from MessageExpiryInterval")
	}

	ep := &fakeEndpoint{id: "sub-before-expiry"}
	s, _ := b.Connect("sub-before-expiry", true, ep, 0)
	b.Subscribe(s, []packet.Subscription{{TopicFilter: "r/2"}})
	if len(ep.written) != 1 {
		t.Fatalf("expected the unexpired retained message to be delivered, got %d", len(ep.written))
	}

	rm.ExpiresAt = time.Now().Add(-time.Second)

	ep2 := &fakeEndpoint{id: "sub-after-expiry"}
	s2, _ := b.Connect("sub-after-expiry", true, ep2, 0)
	b.Subscribe(s2, []packet.Subscription{{TopicFilter: "r/2"}})
	if len(ep2.written) != 0 {
		t.Fatalf("expected an expired retained message to be withheld, got %d deliveries", len(ep2.written))
	}
}

// RetainHandling=1 only sends the retained message the first time a
// given filter is subscribed; a later re-subscribe to the same filter
// on the same session must not redeliver it.
func TestBrokerRetainHandlingSendOnlyIfNewSubscription(t *testing.T) {
	b := newTestBroker()

	if err := b.Publish(nil, &packet.Message{TopicName: "r/3", Content: []byte("v")}, 0, true, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ep := &fakeEndpoint{id: "sub"}
	s, _ := b.Connect("sub", true, ep, 0)

	b.Subscribe(s, []packet.Subscription{{TopicFilter: "r/3", RetainHandling: 1}})
	if len(ep.written) != 1 {
		t.Fatalf("expected the retained message on the first subscribe to this filter, got %d", len(ep.written))
	}

	b.Subscribe(s, []packet.Subscription{{TopicFilter: "r/3", RetainHandling: 1}})
	if len(ep.written) != 1 {
		t.Fatalf("expected no redelivery on re-subscribing to an already-subscribed filter, got %d total", len(ep.written))
	}
}

func TestBrokerSubscribeRejectsUnauthorizedTopic(t *testing.T) {
	sec := security.NewConfig()
	sec.Anonymous = "anonymous"
	sec.Authentication["anonymous"] = &security.Authentication{Method: security.MethodAnonymous}
	b := NewBroker(DefaultBrokerOptions(), sec, nil)

	ep := &fakeEndpoint{id: "sub"}
	s, _ := b.Connect("sub", true, ep, 0)
	s.Username = "anonymous"
	reasons := b.Subscribe(s, []packet.Subscription{{TopicFilter: "secret"}})
	if len(reasons) != 1 || reasons[0] != packet.ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized for an unconfigured topic, got %+v", reasons)
	}
}
