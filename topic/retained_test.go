package topic

import "testing"

func TestRetainedMapInsertFindErase(t *testing.T) {
	r := NewRetainedMap()
	r.InsertOrUpdate(&RetainedMessage{TopicName: "a/b", Payload: []byte("hello")})
	msg, ok := r.Find("a/b")
	if !ok || string(msg.Payload) != "hello" {
		t.Fatalf("expected retained message to be found")
	}
	if r.Size() != 1 {
		t.Fatalf("expected size 1, got %d", r.Size())
	}

	r.Erase("a/b")
	if _, ok := r.Find("a/b"); ok {
		t.Fatalf("expected retained message to be erased")
	}
	if r.Size() != 0 {
		t.Fatalf("expected size 0, got %d", r.Size())
	}
}

func TestRetainedMapEmptyPayloadErases(t *testing.T) {
	r := NewRetainedMap()
	r.InsertOrUpdate(&RetainedMessage{TopicName: "a/b", Payload: []byte("hello")})
	r.InsertOrUpdate(&RetainedMessage{TopicName: "a/b", Payload: nil})
	if _, ok := r.Find("a/b"); ok {
		t.Fatalf("expected empty-payload publish to erase retained message")
	}
}

func TestRetainedMapQueryWildcards(t *testing.T) {
	r := NewRetainedMap()
	r.InsertOrUpdate(&RetainedMessage{TopicName: "sport/tennis/player1", Payload: []byte("x")})
	r.InsertOrUpdate(&RetainedMessage{TopicName: "sport/tennis/player2", Payload: []byte("y")})
	r.InsertOrUpdate(&RetainedMessage{TopicName: "sport/ski", Payload: []byte("z")})

	if got := r.Query("sport/tennis/+"); len(got) != 2 {
		t.Fatalf("expected 2 matches for sport/tennis/+, got %d", len(got))
	}
	if got := r.Query("sport/#"); len(got) != 3 {
		t.Fatalf("expected 3 matches for sport/#, got %d", len(got))
	}
}

func TestRetainedMapDollarExcludedFromRootWildcard(t *testing.T) {
	r := NewRetainedMap()
	r.InsertOrUpdate(&RetainedMessage{TopicName: "$SYS/uptime", Payload: []byte("1")})
	if got := r.Query("#"); len(got) != 0 {
		t.Fatalf("expected $ topics excluded from root #, got %d", len(got))
	}
	if got := r.Query("$SYS/#"); len(got) != 1 {
		t.Fatalf("expected explicit $SYS/# to match, got %d", len(got))
	}
}
