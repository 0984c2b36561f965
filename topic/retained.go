package topic

import (
	"strings"
	"sync"
	"time"
)

// RetainedMessage is the payload retained on a literal topic name. It is
// intentionally not packet.Message itself, so this package stays free
// of a dependency on the wire-codec package.
type RetainedMessage struct {
	TopicName string
	Payload   []byte
	QoS       uint8
	Props     any // *packet.PublishProperties, kept untyped to avoid an import cycle

	// ExpiresAt is the deadline after which this retained message stops
	// being delivered to new subscribers, derived from the publish's
	// MessageExpiryInterval property. The zero Time means "never".
	ExpiresAt time.Time
}

// Expired reports whether msg's message-expiry deadline has passed.
func (msg *RetainedMessage) Expired(now time.Time) bool {
	return !msg.ExpiresAt.IsZero() && now.After(msg.ExpiresAt)
}

type retainedNode struct {
	children map[string]*retainedNode
	msg      *RetainedMessage
}

func newRetainedNode() *retainedNode {
	return &retainedNode{children: make(map[string]*retainedNode)}
}

// RetainedMap stores at most one retained message per literal topic
// name. Unlike Map, it is only ever inserted with literal (wildcard-free)
// topic names — wildcards are only used on the query side, to find every
// retained message a SUBSCRIBE filter covers.
type RetainedMap struct {
	mu   sync.RWMutex
	root *retainedNode
	size int
}

func NewRetainedMap() *RetainedMap {
	return &RetainedMap{root: newRetainedNode()}
}

// InsertOrUpdate stores msg under its TopicName, or erases the entry
// when msg.Payload is empty, per the MQTT retained-message contract:
// a zero-length retained PUBLISH deletes the retained message for that
// topic instead of storing an empty one.
func (r *RetainedMap) InsertOrUpdate(msg *RetainedMessage) {
	if len(msg.Payload) == 0 {
		r.Erase(msg.TopicName)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.root
	for _, lvl := range strings.Split(msg.TopicName, "/") {
		child, ok := n.children[lvl]
		if !ok {
			child = newRetainedNode()
			n.children[lvl] = child
		}
		n = child
	}
	if n.msg == nil {
		r.size++
	}
	n.msg = msg
}

// Erase removes the retained message for the literal topic, if any.
func (r *RetainedMap) Erase(topicName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.root
	for _, lvl := range strings.Split(topicName, "/") {
		child, ok := n.children[lvl]
		if !ok {
			return
		}
		n = child
	}
	if n.msg != nil {
		n.msg = nil
		r.size--
	}
}

// Find returns the retained message stored exactly at topicName, if any.
func (r *RetainedMap) Find(topicName string) (*RetainedMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.root
	for _, lvl := range strings.Split(topicName, "/") {
		child, ok := n.children[lvl]
		if !ok {
			return nil, false
		}
		n = child
	}
	if n.msg == nil {
		return nil, false
	}
	return n.msg, true
}

// Query returns every retained message whose topic name matches the
// given (possibly wildcarded) subscription filter, applying the same
// "+"/"#"/"$"-exclusion rules as Map.Match.
func (r *RetainedMap) Query(topicFilter string) []*RetainedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	levels := strings.Split(topicFilter, "/")
	var out []*RetainedMessage
	dollarTopic := len(levels) > 0 && strings.HasPrefix(levels[0], "$")
	r.query(r.root, levels, 0, dollarTopic, &out)
	return out
}

func (r *RetainedMap) query(n *retainedNode, levels []string, i int, dollarFilter bool, out *[]*RetainedMessage) {
	if i == len(levels) {
		if n.msg != nil && !n.msg.Expired(time.Now()) {
			*out = append(*out, n.msg)
		}
		return
	}
	lvl := levels[i]
	switch lvl {
	case "#":
		if i == 0 {
			// 根级 "#" 不匹配以 "$" 开头的主题
			for key, child := range n.children {
				if !strings.HasPrefix(key, "$") {
					r.collect(child, out)
				}
			}
			return
		}
		r.collect(n, out)
	case "+":
		for key, child := range n.children {
			if i == 0 && strings.HasPrefix(key, "$") {
				continue // 根级 "+" 不匹配以 "$" 开头的主题
			}
			r.query(child, levels, i+1, dollarFilter, out)
		}
	default:
		if child, ok := n.children[lvl]; ok {
			r.query(child, levels, i+1, dollarFilter, out)
		}
	}
}

func (r *RetainedMap) collect(n *retainedNode, out *[]*RetainedMessage) {
	if n.msg != nil && !n.msg.Expired(time.Now()) {
		*out = append(*out, n.msg)
	}
	for _, child := range n.children {
		r.collect(child, out)
	}
}

// Size returns the number of retained messages currently stored.
func (r *RetainedMap) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
