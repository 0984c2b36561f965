package mqtt

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/security"
	"github.com/golang-io/mqttd/topic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Kicker is implemented by connections that can be forcibly closed by
// the broker, used when a new CONNECT takes over an existing session
// whose prior connection is still live (MQTT-3.1.4-3).
type Kicker interface {
	Kick()
}

// Broker is the in-process routing and session layer sitting above the
// per-connection endpoint state machines: it owns the subscription and
// retained-message indexes, the session table, and the security
// configuration, and is shared by every conn/client attached to a
// Server.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*Session

	Subscriptions *topic.Map
	Retained      *topic.RetainedMap
	Security      *security.Config

	Options BrokerOptions
	Log     logrus.FieldLogger

	// RedirectTarget, when non-empty, causes every CONNECT to be refused
	// with UseAnotherServer/ServerMoved before authentication is even
	// attempted -- a small maintenance-mode / migration knob.
	RedirectTarget string
}

func NewBroker(opts BrokerOptions, sec *security.Config, log logrus.FieldLogger) *Broker {
	if sec == nil {
		sec = security.DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broker{
		sessions:      make(map[string]*Session),
		Subscriptions: topic.NewMap(),
		Retained:      topic.NewRetainedMap(),
		Security:      sec,
		Options:       opts,
		Log:           log,
	}
}

// Authenticate resolves a CONNECT's credentials against the security
// configuration. With a username it first accepts a TLS client-certificate
// identity (when hasCert) and otherwise checks username/password; with no
// username it tries the unauthenticated and then the anonymous login.
// It returns the resolved username and, on failure, the
// version-appropriate CONNACK refusal reason.
func (b *Broker) Authenticate(username, password string, hasCert bool, version byte) (string, packet.ReasonCode, bool) {
	if username != "" {
		if hasCert && b.Security.LoginCert(username) {
			return username, packet.ReasonCode{}, true
		}
		if u, ok := b.Security.LoginPassword(username, password); ok {
			return u, packet.ReasonCode{}, true
		}
		return "", refusalCode(version), false
	}
	if u, ok := b.Security.LoginUnauthenticated(); ok {
		return u, packet.ReasonCode{}, true
	}
	if u, ok := b.Security.LoginAnonymous(); ok {
		return u, packet.ReasonCode{}, true
	}
	return "", refusalCode(version), false
}

func refusalCode(version byte) packet.ReasonCode {
	if version == packet.VERSION500 {
		return packet.ErrMalformedUsernameOrPassword
	}
	return packet.ErrBadUsernameOrPassword
}

// AssignClientID returns a broker-generated client identifier for a
// CONNECT that supplied an empty one (MQTT5 AssignedClientIdentifier).
func (b *Broker) AssignClientID() string {
	return "mqttd-" + uuid.NewString()
}

// Connect resolves session resume/takeover semantics for an
// authenticated CONNECT and returns the (possibly new, possibly
// resumed) Session together with whether a prior session was present --
// the value that drives CONNACK's SessionPresent flag.
func (b *Broker) Connect(clientID string, cleanStart bool, w EndpointWriter, expiryInterval time.Duration) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, hadSession := b.sessions[clientID]
	if hadSession && existing.Connected() {
		if kicker, ok := existing.conn.(Kicker); ok {
			kicker.Kick()
		}
	}

	if cleanStart || !hadSession || existing.Expired(time.Now()) {
		if hadSession {
			b.Subscriptions.UnsubscribeAll(existing)
		}
		s := NewSession(clientID, b.Options.ReceiveMaximum, b.Options.OfflineQueueCap)
		s.ExpiryInterval = expiryInterval
		s.Attach(w)
		b.sessions[clientID] = s
		return s, false
	}

	existing.ExpiryInterval = expiryInterval
	existing.Attach(w)
	b.replaySession(existing)
	return existing, true
}

// replaySession re-sends every outstanding inflight entry (in original
// order, with Dup forced) and drains the offline queue, in that order --
// inflight replay always precedes newly-queued application messages.
func (b *Broker) replaySession(s *Session) {
	s.Inflight.ForEach(func(e *StoreEntry) {
		if s.conn == nil || len(e.SerializedBytes) == 0 {
			return
		}
		out := e.SerializedBytes
		if e.ExpectedResponseKind == PUBACK || e.ExpectedResponseKind == PUBREC {
			// Force Dup=1 on a retransmitted PUBLISH (MQTT-4.4.0-1); PUBREL's
			// flags are fixed at 0,0,1,0 and never carry Dup.
			out = append([]byte(nil), out...)
			out[0] |= 0x08
		}
		_ = writeRaw(s.conn, out)
	})
	for _, qm := range s.DrainOfflineQueue() {
		b.deliverTo(s, qm.Message, qm.QoS, qm.Retain, qm.Props)
	}
}

// writeRaw is a narrow hook for replaying pre-serialized bytes; conn and
// client.Client both expose the underlying io.Writer through WriteRaw.
func writeRaw(w EndpointWriter, b []byte) error {
	if rw, ok := w.(interface{ WriteRaw([]byte) error }); ok {
		return rw.WriteRaw(b)
	}
	return nil
}

// Disconnect detaches a session from its live connection. It does not
// publish or queue a last-will message.
func (b *Broker) Disconnect(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.Detach()
}

// sessionCounts returns the number of sessions with a live connection
// and the number persisted with no live connection.
func (b *Broker) sessionCounts() (active, offline int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.Connected() {
			active++
		} else {
			offline++
		}
	}
	return active, offline
}

// Reap removes every expired, disconnected session from the table.
// NewServer's housekeeping goroutine calls it every 30 seconds.
func (b *Broker) Reap(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		if s.Expired(now) {
			b.Subscriptions.UnsubscribeAll(s)
			delete(b.sessions, id)
		}
	}
}

// Subscribe installs each requested subscription, authorizing it first
// against the security configuration, then immediately delivers any
// matching retained messages per each subscription's RetainHandling.
func (b *Broker) Subscribe(s *Session, subs []packet.Subscription) []packet.ReasonCode {
	reasons := make([]packet.ReasonCode, len(subs))
	for i, sub := range subs {
		if s.Username != "" && !b.Security.AuthorizeSubscribe(s.Username, sub.TopicFilter) {
			reasons[i] = packet.ErrNotAuthorized
			continue
		}

		shareName, underlying, isShared := topic.ParseShare(sub.TopicFilter)
		filter := sub.TopicFilter
		if isShared {
			filter = underlying
		}

		_, alreadySubscribed := s.Subscriptions()[sub.TopicFilter]

		rec := &subscriptionRecord{
			MaximumQoS:        sub.MaximumQoS,
			NoLocal:           sub.NoLocal != 0,
			RetainAsPublished: sub.RetainAsPublished != 0,
			RetainHandling:    sub.RetainHandling,
			ShareName:         shareName,
		}
		s.RecordSubscription(sub.TopicFilter, rec)

		b.Subscriptions.Subscribe(&topic.Subscription{
			Subscriber:        s,
			TopicFilter:       filter,
			MaximumQoS:        sub.MaximumQoS,
			NoLocal:           rec.NoLocal,
			RetainAsPublished: rec.RetainAsPublished,
			RetainHandling:    sub.RetainHandling,
			ShareName:         shareName,
		})

		reasons[i] = packet.ReasonCode{Code: sub.MaximumQoS}

		switch {
		case sub.RetainHandling == 2 || isShared:
			// 2 = never send retained messages at subscribe time; shared
			// subs never do either.
		case sub.RetainHandling == 1 && alreadySubscribed:
			// 1 = only send retained messages for a subscription that
			// didn't already exist for this session.
		default:
			b.deliverRetained(s, filter)
		}
	}
	return reasons
}

// deliverRetained sends every non-expired retained message matching
// filter to s.
func (b *Broker) deliverRetained(s *Session, filter string) {
	for _, rm := range b.Retained.Query(filter) {
		props, _ := rm.Props.(*packet.PublishProperties)
		b.deliverTo(s, &packet.Message{TopicName: rm.TopicName, Content: rm.Payload}, rm.QoS, true, props)
	}
}

// Unsubscribe removes every listed filter from both the live
// subscription index and the session's bookkeeping.
func (b *Broker) Unsubscribe(s *Session, filters []string) {
	for _, f := range filters {
		_, underlying, isShared := topic.ParseShare(f)
		target := f
		if isShared {
			target = underlying
		}
		b.Subscriptions.Unsubscribe(s, target)
		s.RemoveSubscription(f)
	}
}

// Publish routes one application message to every matching subscriber,
// applying QoS downgrade to min(published, subscribed), NoLocal
// suppression, and shared-subscription round-robin fan-out; it also
// updates the retained-message table when retain is set. fromSession may
// be nil when the publisher is not itself a tracked session (e.g. the
// broker publishing a will message).
func (b *Broker) Publish(fromSession *Session, msg *packet.Message, qos uint8, retain bool, props *packet.PublishProperties) error {
	if retain {
		rm := &topic.RetainedMessage{TopicName: msg.TopicName, Payload: msg.Content, QoS: qos, Props: props}
		if props != nil && props.MessageExpiryInterval.Uint32() > 0 {
			rm.ExpiresAt = time.Now().Add(time.Duration(props.MessageExpiryInterval.Uint32()) * time.Second)
		}
		b.Retained.InsertOrUpdate(rm)
	}

	matches := b.Subscriptions.Match(msg.TopicName)

	group, _ := errgroup.WithContext(context.Background())
	seenShareKeys := make(map[string]bool)
	for _, sub := range matches {
		sub := sub
		if sub.ShareName != "" {
			key := sub.ShareName + "\x00" + sub.TopicFilter
			if seenShareKeys[key] {
				continue
			}
			seenShareKeys[key] = true
			picked := b.Subscriptions.NextShared(sub.ShareName, sub.TopicFilter)
			if picked == nil {
				continue
			}
			sub = picked
		}
		if sub.NoLocal && fromSession != nil && sub.Subscriber == EndpointWriter(fromSession) {
			continue
		}
		deliverQoS := qos
		if sub.MaximumQoS < deliverQoS {
			deliverQoS = sub.MaximumQoS
		}
		retainFlag := retain && sub.RetainAsPublished
		session, ok := sub.Subscriber.(*Session)
		if !ok {
			continue
		}
		group.Go(func() error {
			b.deliverTo(session, msg, deliverQoS, retainFlag, props)
			return nil
		})
	}
	return group.Wait()
}

// deliverTo hands one message to session: straight to its live
// connection when connected, or appended to its offline queue
// otherwise. QoS0 messages are never queued -- they are simply dropped
// for an offline subscriber, per normal MQTT behavior.
func (b *Broker) deliverTo(s *Session, msg *packet.Message, qos uint8, retain bool, props *packet.PublishProperties) {
	if s.Connected() {
		pkt := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBLISH, QoS: qos, Retain: boolToBit(retain)},
			Message:     msg,
			Props:       props,
		}
		if qos > 0 {
			id, err := s.PacketIDs.Alloc()
			if err != nil {
				b.Log.WithField("client_id", s.ClientID).Warn("packet id space exhausted, dropping message")
				return
			}
			pkt.PacketID = id
			expect := byte(PUBACK)
			if qos == 2 {
				expect = PUBREC
			}
			var buf bytes.Buffer
			if err := pkt.Pack(&buf); err != nil {
				b.Log.WithField("client_id", s.ClientID).WithError(err).Warn("pack outbound publish for inflight replay")
			}
			_ = s.Inflight.Put(&StoreEntry{PacketID: id, ExpectedResponseKind: expect, SerializedBytes: buf.Bytes()})
		}
		if err := s.conn.WritePacket(pkt); err != nil {
			b.Log.WithField("client_id", s.ClientID).WithError(err).Warn("delivery failed")
		}
		return
	}
	if qos == 0 {
		return
	}
	if dropped := s.Enqueue(&QueuedMessage{Message: msg, QoS: qos, Retain: retain, Props: props}); dropped {
		b.Log.WithField("client_id", s.ClientID).Warn("offline queue full, dropped oldest message")
	}
}

func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
