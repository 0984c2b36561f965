package mqtt

import "testing"

func TestInflightStoreReplayOrder(t *testing.T) {
	s := NewInflightStore(0)
	_ = s.Put(&StoreEntry{PacketID: 3, ExpectedResponseKind: PUBACK, SerializedBytes: []byte{3}})
	_ = s.Put(&StoreEntry{PacketID: 1, ExpectedResponseKind: PUBACK, SerializedBytes: []byte{1}})
	_ = s.Put(&StoreEntry{PacketID: 2, ExpectedResponseKind: PUBACK, SerializedBytes: []byte{2}})

	var order []uint16
	s.ForEach(func(e *StoreEntry) { order = append(order, e.PacketID) })
	if len(order) != 3 || order[0] != 3 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected insertion-order replay [3 1 2], got %v", order)
	}
}

func TestInflightStoreEraseRequiresMatchingKind(t *testing.T) {
	s := NewInflightStore(0)
	_ = s.Put(&StoreEntry{PacketID: 1, ExpectedResponseKind: PUBREC, SerializedBytes: []byte{1}})
	if _, ok := s.Erase(1, PUBACK); ok {
		t.Fatalf("expected erase with mismatched kind to fail")
	}
	if _, ok := s.Erase(1, PUBREC); !ok {
		t.Fatalf("expected erase with matching kind to succeed")
	}
	if s.Len() != 0 {
		t.Fatalf("expected store to be empty after erase")
	}
}

func TestInflightStoreLimit(t *testing.T) {
	s := NewInflightStore(1)
	if err := s.Put(&StoreEntry{PacketID: 1, ExpectedResponseKind: PUBACK}); err != nil {
		t.Fatalf("unexpected error on first put: %v", err)
	}
	if err := s.Put(&StoreEntry{PacketID: 2, ExpectedResponseKind: PUBACK}); err != ErrInflightFull {
		t.Fatalf("expected ErrInflightFull, got %v", err)
	}
}

func TestInflightStoreMarshalRoundTrip(t *testing.T) {
	s := NewInflightStore(0)
	_ = s.Put(&StoreEntry{PacketID: 7, ExpectedResponseKind: PUBCOMP, SerializedBytes: []byte("hello")})
	blob := s.MarshalEntries()

	restored := NewInflightStore(0)
	if err := restored.UnmarshalEntries(blob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, ok := restored.Get(7)
	if !ok || string(e.SerializedBytes) != "hello" || e.ExpectedResponseKind != PUBCOMP {
		t.Fatalf("unexpected restored entry: %+v", e)
	}
}
