package mqtt

import (
	"testing"
	"time"

	"github.com/golang-io/mqttd/packet"
)

// TestBrokerInflightReplayPrecedesOfflineQueue drives an actual
// unacknowledged QoS1 inflight entry through Broker.Connect's takeover
// path, confirming (a) the inflight store's raw bytes are actually
// replayed (not silently dropped for want of SerializedBytes) and (b)
// that replay happens before any newly-queued message, matching
// original_source's resend.cpp / resend_new_client.cpp ordering.
func TestBrokerInflightReplayPrecedesOfflineQueue(t *testing.T) {
	b := newTestBroker()

	ep := &fakeEndpoint{id: "pub"}
	s, _ := b.Connect("pub", true, ep, time.Minute)
	b.Subscribe(s, []packet.Subscription{{TopicFilter: "a/b", MaximumQoS: 1}})

	// A QoS1 delivery while connected creates a real inflight entry with
	// its serialized bytes, which is never acked.
	if err := b.Publish(nil, &packet.Message{TopicName: "a/b", Content: []byte("inflight")}, 1, false, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if s.Inflight.Len() != 1 {
		t.Fatalf("expected 1 outstanding inflight entry, got %d", s.Inflight.Len())
	}

	b.Disconnect(s)

	// A second QoS1 publish while offline lands in the offline queue,
	// not inflight.
	if err := b.Publish(nil, &packet.Message{TopicName: "a/b", Content: []byte("queued")}, 1, false, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if s.OfflineQueueLen() != 1 {
		t.Fatalf("expected 1 queued message while offline, got %d", s.OfflineQueueLen())
	}

	ep2 := &fakeEndpoint{id: "pub"}
	_, present := b.Connect("pub", false, ep2, time.Minute)
	if !present {
		t.Fatal("expected session-present on resume")
	}

	if len(ep2.raw) != 1 {
		t.Fatalf("expected the inflight entry to be replayed as raw bytes, got %d", len(ep2.raw))
	}
	if len(ep2.raw[0]) == 0 {
		t.Fatal("replayed inflight entry must carry its serialized PUBLISH bytes, not an empty write")
	}
	if len(ep2.written) != 1 {
		t.Fatalf("expected the offline-queued message to be delivered too, got %d", len(ep2.written))
	}
	if len(ep2.order) != 2 || ep2.order[0] != "raw" || ep2.order[1] != "written" {
		t.Fatalf("expected inflight replay before offline-queue delivery, got order %v", ep2.order)
	}
}

// TestBrokerQoS2HandshakeAcrossReconnect is spec scenario S2: a
// publisher sends a QoS2 PUBLISH, the broker replies PUBREC, then the
// publisher disconnects and reconnects with CleanStart=false before
// sending PUBREL. The broker must still route the message to
// subscribers once the resumed connection's PUBREL arrives -- the
// pending payload must survive the conn swap.
func TestBrokerQoS2HandshakeAcrossReconnect(t *testing.T) {
	b := newTestBroker()

	subEp := &fakeEndpoint{id: "sub"}
	sub, _ := b.Connect("sub", true, subEp, 0)
	b.Subscribe(sub, []packet.Subscription{{TopicFilter: "a/b", MaximumQoS: 2}})

	pubConn1, peer1 := newTestConn(b)
	go serveOne(pubConn1, &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: CONNECT},
		ConnectFlags: 0x00, // CleanStart=false: session survives disconnect
		KeepAlive:    30,
		ClientID:     "pub",
	})
	connack := readReply(t, pubConn1, peer1)
	if ca, ok := connack.(*packet.CONNACK); !ok || ca.ConnectReturnCode.Code != 0 {
		t.Fatalf("expected successful CONNACK, got %+v", connack)
	}
	pubConn1.session.ExpiryInterval = time.Minute

	go serveOne(pubConn1, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: PUBLISH, QoS: 2},
		PacketID:    7,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("p")},
	})
	reply := readReply(t, pubConn1, peer1)
	if _, ok := reply.(*packet.PUBREC); !ok {
		t.Fatalf("expected PUBREC, got %T", reply)
	}

	// Publisher disconnects before sending PUBREL.
	b.Disconnect(pubConn1.session)

	// Reconnects with CleanStart=false: same session, new conn.
	pubConn2, peer2 := newTestConn(b)
	go serveOne(pubConn2, &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: CONNECT},
		ConnectFlags: 0x00,
		KeepAlive:    30,
		ClientID:     "pub",
	})
	connack = readReply(t, pubConn2, peer2)
	ca, ok := connack.(*packet.CONNACK)
	if !ok || ca.SessionPresent == 0 {
		t.Fatalf("expected a resumed session (SessionPresent=1), got %+v", connack)
	}
	if pubConn2.session != pubConn1.session {
		t.Fatal("expected the same Session object to be resumed")
	}

	// PUBREL arrives on the new connection.
	go serveOne(pubConn2, &packet.PUBREL{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: PUBREL, QoS: 1},
		PacketID:    7,
	})
	reply = readReply(t, pubConn2, peer2)
	if _, ok := reply.(*packet.PUBCOMP); !ok {
		t.Fatalf("expected PUBCOMP, got %T", reply)
	}

	if len(subEp.written) != 1 {
		t.Fatalf("expected the subscriber to receive exactly 1 delivery after the post-reconnect PUBREL, got %d", len(subEp.written))
	}
	pub, ok := subEp.written[0].(*packet.PUBLISH)
	if !ok || string(pub.Message.Content) != "p" {
		t.Fatalf("expected the subscriber to receive the original QoS2 payload, got %+v", subEp.written[0])
	}
}
