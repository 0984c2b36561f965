package mqtt

import (
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
)

// QueuedMessage is one application message held in a Session's offline
// queue while its owning connection is disconnected.
type QueuedMessage struct {
	Message *packet.Message
	QoS     uint8
	Retain  bool
	Props   *packet.PublishProperties
}

// Session is the broker-side state that survives a client's individual
// TCP connection: its subscriptions, its inflight store, its offline
// queue, and its expiry deadline. A CleanStart=true CONNECT always
// starts a fresh Session; CleanStart=false resumes one if the client ID
// matches an existing, unexpired Session.
type Session struct {
	mu sync.Mutex

	ClientID string

	conn EndpointWriter // nil while offline

	Inflight  *InflightStore
	PacketIDs *PacketIDAllocator

	subscriptions map[string]*subscriptionRecord // topic filter -> record, for resubscribe/takeover bookkeeping

	offlineQueue    []*QueuedMessage
	offlineQueueCap int

	// qos2Pending holds the application message of each inbound QoS2
	// PUBLISH between PUBREC and PUBREL -- the QoS2HandledPacketIds set
	// with its payload attached, since the broker still needs the
	// message body to route once the PUBREL arrives. It lives on Session
	// rather than the connection object so a PUBREL that arrives after a
	// reconnect (CleanStart=false) still finds the pending payload.
	qos2Pending map[uint16]*packet.PUBLISH

	ExpiryInterval time.Duration
	expiresAt      time.Time // zero means "never" while connected; set on disconnect

	Username string

	// Version is the MQTT protocol level negotiated by the owning
	// connection's CONNECT (VERSION311 or VERSION500). Broker-originated
	// packets (retained delivery, fan-out publish, offline-queue
	// redelivery) need this to pack v5.0 properties correctly -- a
	// resumed session keeps whatever version its new connection
	// negotiates, which may differ from the one that first created it.
	Version byte
}

type subscriptionRecord struct {
	MaximumQoS        uint8
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    uint8
	Identifier        uint32
	ShareName         string
}

// EndpointWriter is the minimal surface Session needs from a live
// connection to push messages and acks to it; conn and Client
// (the server and client roles of the endpoint state machine) both
// satisfy it.
type EndpointWriter interface {
	SubscriberID() string
	WritePacket(pkt packet.Packet) error
}

func NewSession(clientID string, receiveMaximum int, offlineQueueCap int) *Session {
	return &Session{
		ClientID:        clientID,
		Inflight:        NewInflightStore(receiveMaximum),
		PacketIDs:       NewPacketIDAllocator(),
		subscriptions:   make(map[string]*subscriptionRecord),
		offlineQueueCap: offlineQueueCap,
	}
}

func (s *Session) SubscriberID() string { return s.ClientID }

// Attach binds a live connection to the session (on CONNECT or
// takeover), clearing any pending expiry deadline.
func (s *Session) Attach(w EndpointWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = w
	s.expiresAt = time.Time{}
}

// Detach unbinds the connection (on DISCONNECT or transport failure),
// arming the session-expiry deadline if one was negotiated.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if s.ExpiryInterval > 0 {
		s.expiresAt = time.Now().Add(s.ExpiryInterval)
	} else {
		s.expiresAt = time.Now() // expires immediately: treat as session-less
	}
}

// Connected reports whether a live connection is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Expired reports whether the session's expiry deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// RecordSubscription stores the negotiated options for a subscription so
// a future session resume knows what was subscribed, independent of the
// live topic.Map entries (which the broker holds under this Session as
// the subscriber).
func (s *Session) RecordSubscription(filter string, rec *subscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = rec
}

func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

func (s *Session) Subscriptions() map[string]*subscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*subscriptionRecord, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// Enqueue appends a message to the offline queue, dropping the oldest
// entry if the queue is at capacity (the offlineQueueCap given to
// NewSession; the broker passes BrokerOptions.OfflineQueueCap).
// Returns true if a message was dropped to make room.
func (s *Session) Enqueue(m *QueuedMessage) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offlineQueueCap > 0 && len(s.offlineQueue) >= s.offlineQueueCap {
		s.offlineQueue = s.offlineQueue[1:]
		dropped = true
	}
	s.offlineQueue = append(s.offlineQueue, m)
	return dropped
}

// DrainOfflineQueue removes and returns every queued message, in order,
// for delivery immediately after a reconnect.
func (s *Session) DrainOfflineQueue() []*QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.offlineQueue
	s.offlineQueue = nil
	return out
}

func (s *Session) OfflineQueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offlineQueue)
}

// HoldQoS2Publish records pub as pending its PUBREL, keyed by packet ID,
// reporting whether this packet ID was already pending (a duplicate
// inbound PUBLISH, which must re-emit PUBREC without a second delivery).
func (s *Session) HoldQoS2Publish(pub *packet.PUBLISH) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qos2Pending == nil {
		s.qos2Pending = make(map[uint16]*packet.PUBLISH)
	}
	_, duplicate = s.qos2Pending[pub.PacketID]
	s.qos2Pending[pub.PacketID] = pub
	return duplicate
}

// TakeQoS2Publish removes and returns the PUBLISH pending for id, for
// the PUBREL handler to route once the handshake completes.
func (s *Session) TakeQoS2Publish(id uint16) (*packet.PUBLISH, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.qos2Pending[id]
	delete(s.qos2Pending, id)
	return pub, ok
}
