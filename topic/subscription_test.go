package topic

import "testing"

type fakeSubscriber string

func (f fakeSubscriber) SubscriberID() string { return string(f) }

func TestMapMatchWildcards(t *testing.T) {
	m := NewMap()
	a := fakeSubscriber("a")
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "sport/+/score"})
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "sport/#"})

	matches := m.Match("sport/tennis/score")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestMapDollarTopicExcludedFromRootWildcards(t *testing.T) {
	m := NewMap()
	a := fakeSubscriber("a")
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "#"})
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "+/foo"})

	if matches := m.Match("$SYS/foo"); len(matches) != 0 {
		t.Fatalf("expected $ topics excluded from root wildcards, got %d matches", len(matches))
	}
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "$SYS/#"})
	if matches := m.Match("$SYS/foo"); len(matches) != 1 {
		t.Fatalf("expected explicit $SYS/# match, got %d", len(matches))
	}
}

func TestMapUnsubscribe(t *testing.T) {
	m := NewMap()
	a := fakeSubscriber("a")
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "a/b"})
	m.Unsubscribe(a, "a/b")
	if matches := m.Match("a/b"); len(matches) != 0 {
		t.Fatalf("expected no matches after unsubscribe, got %d", len(matches))
	}
}

func TestParseShare(t *testing.T) {
	name, filter, ok := ParseShare("$share/group1/sport/tennis")
	if !ok || name != "group1" || filter != "sport/tennis" {
		t.Fatalf("unexpected parse result: name=%q filter=%q ok=%v", name, filter, ok)
	}
	if _, _, ok := ParseShare("sport/tennis"); ok {
		t.Fatalf("expected ordinary filter to not parse as shared")
	}
}

func TestNextSharedRoundRobin(t *testing.T) {
	m := NewMap()
	a, b := fakeSubscriber("a"), fakeSubscriber("b")
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "sport/tennis", ShareName: "g1"})
	m.Subscribe(&Subscription{Subscriber: b, TopicFilter: "sport/tennis", ShareName: "g1"})

	first := m.NextShared("g1", "sport/tennis")
	second := m.NextShared("g1", "sport/tennis")
	if first == nil || second == nil || first.Subscriber == second.Subscriber {
		t.Fatalf("expected round-robin to alternate subscribers")
	}
	third := m.NextShared("g1", "sport/tennis")
	if third.Subscriber != first.Subscriber {
		t.Fatalf("expected round-robin to wrap back to first subscriber")
	}
}

func TestUnsubscribeAllRemovesSharedMembership(t *testing.T) {
	m := NewMap()
	a := fakeSubscriber("a")
	m.Subscribe(&Subscription{Subscriber: a, TopicFilter: "t", ShareName: "g1"})
	m.UnsubscribeAll(a)
	if sub := m.NextShared("g1", "t"); sub != nil {
		t.Fatalf("expected shared group to be empty after UnsubscribeAll")
	}
}
