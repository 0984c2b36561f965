package mqtt

import (
	"sync"
)

// StoreEntry is one outstanding, unacknowledged outbound packet kept by
// an InflightStore: a QoS1/2 PUBLISH awaiting PUBACK/PUBREC, or a QoS2
// PUBREL awaiting PUBCOMP. SerializedBytes is the exact wire encoding
// that was transmitted (with Dup=0); a replay after reconnect resends
// these bytes with the Dup bit forced to 1 instead of re-encoding from
// scratch, so retransmissions are byte-identical to spec.
type StoreEntry struct {
	PacketID             uint16
	ExpectedResponseKind byte // PUBACK, PUBREC, or PUBCOMP
	SerializedBytes      []byte
	LifeKeeper           func() // optional: invoked when the entry is released, e.g. to cancel a message-expiry timer
}

// InflightStore holds the ordered set of unacknowledged outbound
// packets for one session. Entries are replayed, in the order they were
// first sent, when a session resumes after a reconnect.
type InflightStore struct {
	mu      sync.Mutex
	order   []uint16
	entries map[uint16]*StoreEntry
	limit   int // 0 means unbounded
}

func NewInflightStore(limit int) *InflightStore {
	return &InflightStore{
		entries: make(map[uint16]*StoreEntry),
		limit:   limit,
	}
}

// ErrInflightFull is returned by Put when the store is already holding
// ReceiveMaximum outstanding entries.
var ErrInflightFull = ErrIDExhausted

// Put records a new outstanding entry. It returns ErrInflightFull if the
// store is already at its configured ReceiveMaximum-derived limit.
func (s *InflightStore) Put(e *StoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.PacketID]; exists {
		s.entries[e.PacketID] = e
		return nil
	}
	if s.limit > 0 && len(s.order) >= s.limit {
		return ErrInflightFull
	}
	s.entries[e.PacketID] = e
	s.order = append(s.order, e.PacketID)
	return nil
}

// Get returns the entry for id without removing it.
func (s *InflightStore) Get(id uint16) (*StoreEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Erase removes the entry for id only if its ExpectedResponseKind
// matches receivedKind — an unexpected ack for that packet ID (e.g. a
// PUBACK when a PUBREC was expected) leaves the entry in place as a
// protocol error for the caller to report.
func (s *InflightStore) Erase(id uint16, receivedKind byte) (*StoreEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.ExpectedResponseKind != receivedKind {
		return nil, false
	}
	s.remove(id)
	if e.LifeKeeper != nil {
		e.LifeKeeper()
	}
	return e, true
}

// Replace is used for the PUBREC->PUBREL transition: the same packet ID
// remains outstanding but now expects PUBCOMP instead of PUBREC, and the
// serialized bytes become the PUBREL encoding.
func (s *InflightStore) Replace(id uint16, newExpectedKind byte, newSerializedBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.ExpectedResponseKind = newExpectedKind
		e.SerializedBytes = newSerializedBytes
	}
}

func (s *InflightStore) remove(id uint16) {
	delete(s.entries, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ForEach replays every outstanding entry in the order it was first Put,
// the ordering a resumed session must preserve per MQTT-4.4.0-1's
// "retransmit, in order" requirement.
func (s *InflightStore) ForEach(fn func(*StoreEntry)) {
	s.mu.Lock()
	order := append([]uint16(nil), s.order...)
	s.mu.Unlock()
	for _, id := range order {
		s.mu.Lock()
		e := s.entries[id]
		s.mu.Unlock()
		if e != nil {
			fn(e)
		}
	}
}

// Len reports the number of outstanding entries.
func (s *InflightStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// persistedEntry is the wire shape used by MarshalEntries/UnmarshalEntries.
// LifeKeeper is a runtime-only hook and is never persisted.
type persistedEntry struct {
	PacketID             uint16
	ExpectedResponseKind byte
	SerializedBytes      []byte
}

// MarshalEntries captures the store's outstanding entries as an opaque
// byte blob (insertion order preserved) for the optional persisted-state
// hook; nothing in this repository writes the blob to disk by default.
func (s *InflightStore) MarshalEntries() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	putUint16 := func(v uint16) {
		buf = append(buf, byte(v>>8), byte(v))
	}
	putUint32 := func(v uint32) {
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	putUint32(uint32(len(s.order)))
	for _, id := range s.order {
		e := s.entries[id]
		putUint16(e.PacketID)
		buf = append(buf, e.ExpectedResponseKind)
		putUint32(uint32(len(e.SerializedBytes)))
		buf = append(buf, e.SerializedBytes...)
	}
	return buf
}

// UnmarshalEntries restores entries from a blob produced by
// MarshalEntries into an empty store, preserving replay order.
func (s *InflightStore) UnmarshalEntries(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	readUint32 := func() uint32 {
		v := uint32(blob[0])<<24 | uint32(blob[1])<<16 | uint32(blob[2])<<8 | uint32(blob[3])
		blob = blob[4:]
		return v
	}
	readUint16 := func() uint16 {
		v := uint16(blob[0])<<8 | uint16(blob[1])
		blob = blob[2:]
		return v
	}

	count := readUint32()
	s.order = s.order[:0]
	s.entries = make(map[uint16]*StoreEntry, count)
	for i := uint32(0); i < count; i++ {
		id := readUint16()
		kind := blob[0]
		blob = blob[1:]
		n := readUint32()
		payload := append([]byte(nil), blob[:n]...)
		blob = blob[n:]
		s.entries[id] = &StoreEntry{PacketID: id, ExpectedResponseKind: kind, SerializedBytes: payload}
		s.order = append(s.order, id)
	}
	return nil
}
