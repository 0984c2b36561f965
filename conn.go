package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/security"
	"golang.org/x/net/websocket"
)

// conn is the server-side half of the endpoint state machine: it owns
// the raw network connection and the connection-scoped state (topic
// alias tables, keep-alive timer) that does not survive a reconnect, and
// delegates everything that does survive a reconnect -- subscriptions,
// inflight packets, the offline queue -- to the attached Session.
type conn struct {
	server *Server

	cancelCtx context.CancelFunc

	rwc net.Conn

	remoteAddr string

	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	session *Session // set once CONNECT is accepted

	ID      string
	version byte

	aliasIn  *TopicAliasTable // server decodes the client's outbound aliases
	aliasOut *TopicAliasTable // server encodes aliases for its own outbound PUBLISH

	willTopic   string
	willPayload []byte
	willQoS     uint8
	willRetain  bool
	willDelay   time.Duration // WillDelayInterval (v5); broker delays firing the will by this long after an ungraceful close

	keepAlive time.Duration

	mu sync.Mutex
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateHijacked, StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) Write(w []byte) (int, error) {
	if c.rwc == nil {
		return 0, fmt.Errorf("connection is nil or closed")
	}
	return c.rwc.Write(w)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// Close the connection.
func (c *conn) close() {
	_ = c.rwc.Close()
}

// Kick forcibly closes the connection, used by Broker.Connect when a new
// CONNECT takes over this connection's session (MQTT-3.1.4-3).
func (c *conn) Kick() {
	c.close()
}

// SubscriberID and WritePacket let conn itself act as an EndpointWriter
// while the CONNECT handshake is still in flight, before a Session
// exists.
func (c *conn) SubscriberID() string { return c.ID }

func (c *conn) WritePacket(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(c.rwc)
}

// WriteRaw sends pre-serialized bytes verbatim, used by Broker's
// inflight replay so retransmissions are byte-identical to what was
// originally sent (only the Dup bit semantics rely on this).
func (c *conn) WriteRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.rwc.Write(b)
	return err
}

// Serve a new connection.
func (c *conn) serve(ctx context.Context) {
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		}
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	log := c.server.log().WithField("remote_addr", c.remoteAddr)
	log.Info("connection accepted")

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.WithField("client_id", c.ID).Errorf("panic serving connection: %v\n%s", err, buf)
		}

		log.WithField("client_id", c.ID).Info("connection closed")

		if c.session != nil {
			c.server.Broker.Disconnect(c.session)
		}
		c.close()
		c.setState(c.rwc, StateClosed, true)

		if c.willTopic != "" {
			broker, sess := c.server.Broker, c.session
			msg := &packet.Message{TopicName: c.willTopic, Content: c.willPayload}
			qos, retain := c.willQoS, c.willRetain
			publishWill := func() { _ = broker.Publish(sess, msg, qos, retain, nil) }
			if c.willDelay > 0 {
				time.AfterFunc(c.willDelay, publishWill)
			} else {
				publishWill()
			}
		}
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsTO := 10 * time.Second
		dl := time.Now().Add(tlsTO)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			var reason string
			if re, ok := err.(tls.RecordHeaderError); ok && re.Conn != nil {
				_, _ = io.WriteString(re.Conn, "HTTP/1.0 400 Bad Request\r\n\r\nClient sent an HTTP request to an HTTPS server.\n")
				_ = re.Conn.Close()
				reason = "client sent an HTTP request to an HTTPS server"
			} else {
				reason = err.Error()
			}
			log.Warnf("TLS handshake error: %s", reason)
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		if c.keepAlive > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2))
		}
		rw, err := c.readRequest(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithField("client_id", c.ID).Debugf("readRequest: %v", err)
			}
			return
		}
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		c.setState(c.rwc, StateIdle, true)
	}
}

// Read next request from connection.
func (c *conn) readRequest(_ context.Context) (*response, error) {
	w, err := &response{conn: c}, error(nil)
	w.packet, err = packet.Unpack(c.version, c.rwc)
	stat.PacketReceived.Inc()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("makeRequest: version=%d, %s, err=%w", c.version, packet.Kind[w.packet.Kind()], err)
	}
	return w, err
}

type defaultHandler struct{}

func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	c := w.(*response).conn
	b := c.server.Broker
	log := c.server.log().WithField("client_id", c.ID).WithField("remote_addr", c.remoteAddr)

	var spkt packet.Packet
	switch rpkt := req.(type) {
	case *packet.RESERVED:
		return

	case *packet.CONNECT:
		connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: rpkt.Version, Kind: CONNACK}}
		c.version = rpkt.Version

		if b.RedirectTarget != "" {
			connack.ConnectReturnCode = packet.ErrUseAnotherServer
			_ = w.OnSend(connack)
			panic(ErrAbortHandler)
		}

		hasCert := c.tlsState != nil && len(c.tlsState.PeerCertificates) > 0
		username, refusal, ok := b.Authenticate(rpkt.Username, rpkt.Password, hasCert, rpkt.Version)
		if !ok {
			connack.ConnectReturnCode = refusal
			_ = w.OnSend(connack)
			log.WithField("username", rpkt.Username).Warn("authentication failed")
			panic(ErrAbortHandler)
		}

		clientID := rpkt.ClientID
		if clientID == "" {
			clientID = b.AssignClientID()
		} else if rpkt.Version == packet.VERSION311 {
			if reason := packet.ValidateClientID(clientID, b.Options.AllowLongClientIDs); reason.Code != 0 {
				connack.ConnectReturnCode = reason
				_ = w.OnSend(connack)
				log.WithField("client_id", clientID).Warn("client identifier not valid")
				panic(ErrAbortHandler)
			}
		}
		c.ID = clientID
		c.willTopic, c.willPayload = rpkt.WillTopic, rpkt.WillPayload
		c.willQoS, c.willRetain = rpkt.ConnectFlags.WillQoS(), rpkt.ConnectFlags.WillRetain()
		c.willDelay = 0
		if rpkt.WillProperties != nil {
			c.willDelay = time.Duration(rpkt.WillProperties.WillDelayInterval) * time.Second
		}

		receiveMax := uint16(b.Options.ReceiveMaximum)
		aliasMax := b.Options.TopicAliasMaximum
		c.aliasIn = NewTopicAliasTable(aliasMax)
		c.aliasOut = NewTopicAliasTable(aliasMax)

		cleanStart := rpkt.ConnectFlags.CleanStart()
		expiry := time.Duration(0)
		if !cleanStart {
			expiry = b.Options.KeepAliveMax
		}
		sess, present := b.Connect(clientID, cleanStart, c, expiry)
		sess.Username = username
		sess.Version = rpkt.Version
		c.session = sess

		c.keepAlive = time.Duration(rpkt.KeepAlive) * time.Second
		_ = receiveMax

		connack.SessionPresent = boolToBit(present)
		connack.ConnectReturnCode = packet.ReasonCode{}
		log.WithField("username", username).Info("client connected")
		spkt = connack

	case *packet.PUBLISH:
		msg := rpkt.Message
		if rpkt.Props != nil && rpkt.Props.TopicAlias > 0 {
			if msg.TopicName == "" {
				name, ok := c.aliasIn.Resolve(uint16(rpkt.Props.TopicAlias))
				if !ok {
					panic(ErrAbortHandler)
				}
				msg.TopicName = name
			} else {
				_ = c.aliasIn.Set(uint16(rpkt.Props.TopicAlias), msg.TopicName)
			}
		}
		if reason := packet.ValidateTopicName(msg.TopicName); reason.Code != 0 {
			panic(ErrAbortHandler)
		}
		if b.Security.AuthorizePublish(msg.TopicName, c.session.Username) != security.RuleAllow {
			// RuleDeny or RuleNone: silently drop, no PUBACK sent for QoS0,
			// and a NotAuthorized ack for QoS>0
			if rpkt.QoS > 0 {
				spkt = pubAckOrRec(c.version, rpkt)
			}
			break
		}

		switch rpkt.QoS {
		case 0:
			_ = b.Publish(c.session, msg, 0, rpkt.Retain != 0, rpkt.Props)
			return
		case 1:
			_ = b.Publish(c.session, msg, 1, rpkt.Retain != 0, rpkt.Props)
			spkt = &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK}, PacketID: rpkt.PacketID}
		case 2:
			_ = c.session.Inflight.Put(&StoreEntry{PacketID: rpkt.PacketID, ExpectedResponseKind: PUBCOMP})
			c.session.PacketIDs.Register(rpkt.PacketID)
			c.session.HoldQoS2Publish(rpkt)
			spkt = &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC}, PacketID: rpkt.PacketID}
		}

	case *packet.PUBACK:
		c.session.Inflight.Erase(rpkt.PacketID, PUBACK)
		c.session.PacketIDs.Release(rpkt.PacketID)
		return

	case *packet.PUBREC:
		pubrel := &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1}, PacketID: rpkt.PacketID}
		if _, ok := c.session.Inflight.Erase(rpkt.PacketID, PUBREC); ok {
			var buf bytes.Buffer
			if err := pubrel.Pack(&buf); err != nil {
				log.WithError(err).Warn("pack PUBREL for inflight replay")
			}
			c.session.Inflight.Put(&StoreEntry{PacketID: rpkt.PacketID, ExpectedResponseKind: PUBCOMP, SerializedBytes: buf.Bytes()})
		}
		spkt = pubrel

	case *packet.PUBREL:
		pub, ok := c.session.TakeQoS2Publish(rpkt.PacketID)
		if ok {
			if b.Security.AuthorizePublish(pub.Message.TopicName, c.session.Username) == security.RuleAllow {
				if err := b.Publish(c.session, pub.Message, 2, pub.Retain != 0, pub.Props); err != nil {
					log.WithError(err).Warn("publish failed")
				}
			}
		}
		c.session.Inflight.Erase(rpkt.PacketID, PUBCOMP)
		c.session.PacketIDs.Release(rpkt.PacketID)
		spkt = &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP}, PacketID: rpkt.PacketID, ReasonCode: packet.ReasonCode{Code: 0}}

	case *packet.PUBCOMP:
		return

	case *packet.SUBSCRIBE:
		var toSubscribe []packet.Subscription
		preReasons := make(map[string]packet.ReasonCode)
		for _, sub := range rpkt.Subscriptions {
			if reason := packet.ValidateTopicFilter(sub.TopicFilter); reason.Code != 0 {
				preReasons[sub.TopicFilter] = reason
				continue
			}
			toSubscribe = append(toSubscribe, sub)
		}
		subbed := b.Subscribe(c.session, toSubscribe)
		reasons := make([]packet.ReasonCode, len(rpkt.Subscriptions))
		var ok []string
		j := 0
		for i, sub := range rpkt.Subscriptions {
			if reason, invalid := preReasons[sub.TopicFilter]; invalid {
				reasons[i] = reason
				continue
			}
			reasons[i] = subbed[j]
			j++
			if reasons[i].Code < 0x80 {
				ok = append(ok, sub.TopicFilter)
			}
		}
		if len(ok) > 0 {
			log.WithField("topics", ok).Info("subscribed")
		}
		spkt = &packet.SUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: SUBACK}, PacketID: rpkt.PacketID, ReasonCode: reasons}

	case *packet.UNSUBSCRIBE:
		var filters []string
		for _, sub := range rpkt.Subscriptions {
			filters = append(filters, sub.TopicFilter)
		}
		b.Unsubscribe(c.session, filters)
		log.WithField("topics", filters).Info("unsubscribed")
		spkt = &packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: UNSUBACK}, PacketID: rpkt.PacketID}

	case *packet.PINGREQ:
		spkt = &packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}}

	case *packet.DISCONNECT:
		log.Info("client requested disconnect")
		c.willTopic, c.willPayload = "", nil // MQTT-3.14.4-3
		panic(ErrAbortHandler)

	case *packet.AUTH:
		return

	default:
		panic(fmt.Sprintf("unknown packet type: %T", rpkt))
	}
	if spkt == nil {
		return
	}
	if err := w.OnSend(spkt); err != nil {
		log.WithError(err).Warn("send failed")
	}
}

func pubAckOrRec(version byte, rpkt *packet.PUBLISH) packet.Packet {
	if rpkt.QoS == 1 {
		return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: version, Kind: PUBACK}, PacketID: rpkt.PacketID, ReasonCode: packet.ErrNotAuthorized}
	}
	return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: version, Kind: PUBREC}, PacketID: rpkt.PacketID, ReasonCode: packet.ErrNotAuthorized}
}
